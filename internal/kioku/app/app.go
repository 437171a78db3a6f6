// Package app wires configuration, backends, the synthesizer and its
// maintenance jobs into a runnable service.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/observability"
)

var _ memory.Observer = (*observability.Metrics)(nil)

// App is a fully wired kioku instance.
type App struct {
	Config    *config.Config
	Backends  *Backends
	Synth     *memory.Synthesizer
	Reindexer *memory.Reindexer
	Sweeper   *memory.Sweeper
	Metrics   *observability.Metrics

	logger *slog.Logger
}

// New opens the configured backends and builds the synthesizer, reindexer
// and retention sweeper on top of them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("starting kioku", "config", cfg.Summary())

	backends, err := OpenBackends(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	synth, err := memory.NewSynthesizer(cfg.SynthesizerConfig(), backends.Recency, backends.Semantic, backends.Embedder, logger)
	if err != nil {
		backends.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	synth.Observer = metrics
	synth.Backlog = memory.NewBacklog(cfg.Reindex.BacklogSize)

	return &App{
		Config:    cfg,
		Backends:  backends,
		Synth:     synth,
		Reindexer: memory.NewReindexer(synth, cfg.RetryConfig(), cfg.Reindex.Concurrency, logger),
		Sweeper:   memory.NewSweeper(synth, cfg.Retention.MaxAge, logger),
		Metrics:   metrics,
		logger:    logger,
	}, nil
}

// Server builds the HTTP API for this instance.
func (a *App) Server() *Server {
	return NewServer(a.Config.HTTP.Addr, a.Synth, StatusInfo{
		Recency:     a.Backends.RecencyName,
		Semantic:    a.Backends.SemanticName,
		Embedder:    a.Backends.EmbedderName,
		BacklogSize: a.Reindexer.Backlog().Len,
	}, a.Metrics.Handler(), a.logger)
}

// Run serves HTTP (when an address is configured) and runs the maintenance
// jobs until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	sched := NewScheduler(a.logger)
	sweepEvery := a.Config.Retention.SweepInterval
	if a.Config.Retention.MaxAge <= 0 {
		sweepEvery = 0
	}
	if err := sched.Every("retention-sweep", sweepEvery, a.Sweeper.Sweep); err != nil {
		return err
	}
	if err := sched.Every("reindex-drain", a.Config.Reindex.Interval, a.Reindexer.Drain); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if a.Config.HTTP.Addr != "" {
		srv := a.Server()
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop()
	} else {
		a.logger.Info("http server disabled (no address configured)")
	}

	a.logger.Info("kioku is running")
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Close releases the backends.
func (a *App) Close() error {
	a.logger.Info("closing backends")
	return a.Backends.Close()
}
