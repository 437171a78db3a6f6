package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Backends holds the stores and the embedder built from configuration,
// plus whatever connections they share.
type Backends struct {
	Recency  memory.RecencyStore
	Semantic memory.SemanticStore
	Embedder memory.Embedder

	RecencyName  string
	SemanticName string
	EmbedderName string

	sqlite  map[string]*store.Store
	pools   map[string]*pgxpool.Pool
	closers []func() error
	logger  *slog.Logger
}

// OpenBackends connects the configured backends. SQLite files and Postgres
// pools are shared when both stores name the same path or DSN. On error,
// anything already opened is closed.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Backends, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{
		RecencyName:  cfg.Recency.Backend,
		SemanticName: cfg.Semantic.Backend,
		EmbedderName: cfg.Embedding.Provider,
		sqlite:       make(map[string]*store.Store),
		pools:        make(map[string]*pgxpool.Pool),
		logger:       logger,
	}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if b.Recency, err = b.openRecency(ctx, cfg); err != nil {
		return nil, err
	}
	if b.Semantic, err = b.openSemantic(ctx, cfg); err != nil {
		return nil, err
	}
	if b.Embedder, err = b.openEmbedder(cfg); err != nil {
		return nil, err
	}
	logger.Info("backends ready",
		"recency", b.RecencyName,
		"semantic", b.SemanticName,
		"embedder", b.EmbedderName,
	)
	return b, nil
}

func (b *Backends) openRecency(ctx context.Context, cfg *config.Config) (memory.RecencyStore, error) {
	retention := cfg.RetentionPolicy()
	switch cfg.Recency.Backend {
	case config.BackendMemory:
		return memory.NewMemoryRecencyStore(retention), nil
	case config.BackendSQLite:
		db, err := b.sqliteDB(cfg.Recency.SQLitePath)
		if err != nil {
			return nil, err
		}
		return memory.NewSQLiteRecencyStore(db.DB(), retention, b.logger), nil
	case config.BackendPostgres:
		pool, err := b.pool(ctx, cfg.Recency.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s, err := memory.NewPostgresRecencyStore(ctx, pool, retention, b.logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("backends: unknown recency backend %q", cfg.Recency.Backend)
	}
}

func (b *Backends) openSemantic(ctx context.Context, cfg *config.Config) (memory.SemanticStore, error) {
	dim := cfg.Memory.EmbeddingDimension
	switch cfg.Semantic.Backend {
	case config.BackendMemory:
		return memory.NewMemorySemanticStore(dim), nil
	case config.BackendSQLite:
		db, err := b.sqliteDB(cfg.Semantic.SQLitePath)
		if err != nil {
			return nil, err
		}
		return memory.NewSQLiteSemanticStore(db.DB(), dim, b.logger), nil
	case config.BackendChromem:
		s, err := memory.NewChromemSemanticStore(memory.ChromemConfig{
			Path:       cfg.Semantic.ChromemPath,
			Compress:   cfg.Semantic.ChromemCompress,
			Collection: cfg.Semantic.Collection,
			Dimension:  dim,
		}, b.logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPgvector:
		pool, err := b.pool(ctx, cfg.Semantic.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s, err := memory.NewPgvectorSemanticStore(ctx, pool, dim, b.logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("backends: unknown semantic backend %q", cfg.Semantic.Backend)
	}
}

func (b *Backends) openEmbedder(cfg *config.Config) (memory.Embedder, error) {
	e := cfg.Embedding
	dim := cfg.Memory.EmbeddingDimension
	switch e.Provider {
	case config.ProviderNoop:
		return memory.NoopEmbedder{}, nil
	case config.ProviderHash:
		return memory.HashEmbedder{Dimension: dim}, nil
	case config.ProviderOpenAI:
		oc := memory.OpenAIEmbedderConfig{
			APIKey:  e.APIKey,
			BaseURL: e.BaseURL,
			Model:   e.Model,
			Timeout: e.Timeout,
		}
		// Only the text-embedding-3 family accepts a requested size.
		if strings.HasPrefix(e.Model, "text-embedding-3") {
			oc.Dimensions = dim
		}
		var emb memory.Embedder = memory.NewOpenAIEmbedder(oc)
		if e.CacheSize > 0 {
			cached, err := memory.NewCachedEmbedder(emb, fmt.Sprintf("%s:%s:%d", e.Provider, e.Model, dim), e.CacheSize)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, func() error { cached.Close(); return nil })
			emb = cached
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("backends: unknown embedding provider %q", e.Provider)
	}
}

func (b *Backends) sqliteDB(path string) (*store.Store, error) {
	if s, ok := b.sqlite[path]; ok {
		return s, nil
	}
	s, err := store.Open(path, b.logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	b.sqlite[path] = s
	return s, nil
}

func (b *Backends) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if p, ok := b.pools[dsn]; ok {
		return p, nil
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("backends: connect %s: %w", redact.DSN(dsn), err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("backends: ping %s: %w", redact.DSN(dsn), err)
	}
	b.logger.Info("postgres pool ready", "dsn", redact.DSN(dsn))
	b.pools[dsn] = p
	return p, nil
}

// Close releases every backend. It is safe to call on a partially opened
// set.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	if b.Recency != nil {
		errs = append(errs, b.Recency.Close())
	}
	if b.Semantic != nil {
		errs = append(errs, b.Semantic.Close())
	}
	for _, s := range b.sqlite {
		errs = append(errs, s.Close())
	}
	for _, p := range b.pools {
		p.Close()
	}
	return errors.Join(errs...)
}
