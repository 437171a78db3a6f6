package memory

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper applies age retention: turns older than MaxAge are pruned from the
// Recency Store and their MemoryRecords deleted from the Semantic Store.
type Sweeper struct {
	synth  *Synthesizer
	maxAge time.Duration
	logger *slog.Logger
}

// NewSweeper creates a Sweeper. maxAge <= 0 makes Sweep a no-op.
func NewSweeper(synth *Synthesizer, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = synth.Logger
	}
	return &Sweeper{synth: synth, maxAge: maxAge, logger: logger}
}

// Sweep prunes every user once and returns the number of turns removed. A
// failure for one user is logged and does not stop the others; the first
// such error is returned.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	if w.maxAge <= 0 {
		return 0, nil
	}
	users, err := w.synth.Recency.Users(ctx)
	if err != nil {
		return 0, classifyStoreErr("sweeper: list users", err)
	}

	cutoff := w.synth.Clock.Now().Add(-w.maxAge)
	removed := 0
	var firstErr error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := w.PruneUser(ctx, userID, cutoff)
		removed += n
		if err != nil {
			w.logger.Warn("sweeper: prune failed", "user_id", userID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if removed > 0 {
		w.logger.Info("sweeper: retention applied", "users", len(users), "removed", removed, "cutoff", cutoff)
	}
	return removed, firstErr
}

// PruneUser removes userID's turns created before cutoff.
func (w *Sweeper) PruneUser(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	ids, err := w.synth.Recency.Prune(ctx, userID, cutoff)
	if err != nil {
		w.synth.Observer.StoreFailed("recency", "prune")
		return 0, classifyStoreErr("sweeper: prune", err)
	}
	if len(ids) > 0 {
		w.synth.forget(ctx, userID, ids)
	}
	return len(ids), nil
}
