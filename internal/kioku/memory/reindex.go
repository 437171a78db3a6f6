package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kioku/common/retry"
)

// DefaultBacklogSize bounds the reindex backlog.
const DefaultBacklogSize = 10_000

// PendingTurn identifies a turn whose semantic indexing has not succeeded.
type PendingTurn struct {
	UserID string
	TurnID string
}

// Backlog is a bounded FIFO of turns awaiting indexing. Adding to a full
// backlog discards the oldest entry. It lives in process memory: a restart
// loses it, and Reindexer.Backfill is the recovery path.
type Backlog struct {
	mu      sync.Mutex
	max     int
	items   []PendingTurn
	present map[PendingTurn]struct{}
}

// NewBacklog creates a backlog holding at most capacity turns.
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = DefaultBacklogSize
	}
	return &Backlog{max: capacity, present: make(map[PendingTurn]struct{})}
}

// Add queues a turn. It reports false when the turn was already queued.
func (b *Backlog) Add(userID, turnID string) bool {
	p := PendingTurn{UserID: userID, TurnID: turnID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.present[p]; ok {
		return false
	}
	if len(b.items) >= b.max {
		delete(b.present, b.items[0])
		b.items = b.items[1:]
	}
	b.items = append(b.items, p)
	b.present[p] = struct{}{}
	return true
}

// Remove drops queued turns of userID, e.g. after retention evicted them.
func (b *Backlog) Remove(userID string, turnIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drop := make(map[PendingTurn]struct{}, len(turnIDs))
	for _, id := range turnIDs {
		p := PendingTurn{UserID: userID, TurnID: id}
		if _, ok := b.present[p]; ok {
			drop[p] = struct{}{}
			delete(b.present, p)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := b.items[:0]
	for _, p := range b.items {
		if _, gone := drop[p]; !gone {
			kept = append(kept, p)
		}
	}
	b.items = kept
}

// Take removes and returns up to n queued turns, oldest first. n <= 0 takes
// everything.
func (b *Backlog) Take(n int) []PendingTurn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := make([]PendingTurn, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	for _, p := range out {
		delete(b.present, p)
	}
	return out
}

// Len reports the number of queued turns.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Reindexer gives failed turns another chance at semantic indexing and can
// rebuild a user's index from the Recency Store.
type Reindexer struct {
	synth       *Synthesizer
	retry       retry.Config
	concurrency int
	logger      *slog.Logger
}

// NewReindexer creates a Reindexer driving synth's stores and embedder. It
// attaches a backlog to synth if it has none. If logger is nil, the
// synthesizer's logger is used.
func NewReindexer(synth *Synthesizer, retryCfg retry.Config, concurrency int, logger *slog.Logger) *Reindexer {
	if synth.Backlog == nil {
		synth.Backlog = NewBacklog(DefaultBacklogSize)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = synth.Logger
	}
	return &Reindexer{synth: synth, retry: retryCfg, concurrency: concurrency, logger: logger}
}

// Backlog returns the queue the synthesizer feeds.
func (r *Reindexer) Backlog() *Backlog { return r.synth.Backlog }

// indexWithRetry indexes one turn, retrying transient failures.
func (r *Reindexer) indexWithRetry(ctx context.Context, turn Turn) error {
	return retry.Do(ctx, r.retry, func() error {
		err := r.synth.indexTurn(ctx, turn)
		if err != nil && !IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Drain processes everything currently in the backlog. Turns that still
// fail with a retryable error are queued again; turns no longer in the
// Recency Store are dropped. It returns how many turns were indexed.
func (r *Reindexer) Drain(ctx context.Context) (int, error) {
	backlog := r.synth.Backlog
	pending := backlog.Take(0)
	if len(pending) == 0 {
		return 0, nil
	}

	var indexed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, p := range pending {
		g.Go(func() error {
			turn, ok, err := r.synth.Recency.Get(gctx, p.UserID, p.TurnID)
			if err != nil {
				backlog.Add(p.UserID, p.TurnID)
				return nil
			}
			if !ok {
				r.logger.Debug("reindex: turn no longer retained", "user_id", p.UserID, "turn_id", p.TurnID)
				return nil
			}
			if err := r.indexWithRetry(gctx, turn); err != nil {
				if errors.Is(err, errNoEmbedding) {
					return nil
				}
				if IsRetryable(err) && gctx.Err() == nil {
					backlog.Add(p.UserID, p.TurnID)
				}
				r.logger.Warn("reindex: turn still not indexed", "user_id", p.UserID, "turn_id", p.TurnID, "err", err)
				return nil
			}
			indexed.Add(1)
			r.synth.Observer.TurnReindexed()
			return nil
		})
	}
	// Workers swallow their errors; Wait only synchronizes.
	_ = g.Wait()
	r.synth.Observer.BacklogSize(backlog.Len())

	n := int(indexed.Load())
	r.logger.Info("reindex: backlog drained", "attempted", len(pending), "indexed", n, "remaining", backlog.Len())
	return n, ctx.Err()
}

// Backfill (re)indexes every retained turn of userID. A dimension mismatch
// aborts immediately since every further turn would fail the same way.
func (r *Reindexer) Backfill(ctx context.Context, userID string) (int, error) {
	turns, err := r.synth.Recency.Recent(ctx, userID, math.MaxInt32)
	if err != nil {
		return 0, classifyStoreErr("reindex: backfill", err)
	}

	var indexed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, turn := range turns {
		g.Go(func() error {
			err := r.indexWithRetry(gctx, turn)
			switch {
			case err == nil:
				indexed.Add(1)
				r.synth.Observer.TurnReindexed()
			case errors.Is(err, errNoEmbedding):
			case errors.Is(err, ErrDimensionMismatch):
				return err
			default:
				r.logger.Warn("reindex: backfill skipped turn", "user_id", userID, "turn_id", turn.ID, "err", err)
			}
			return nil
		})
	}
	err = g.Wait()

	n := int(indexed.Load())
	if err != nil {
		return n, fmt.Errorf("reindex: backfill %s: %w", userID, err)
	}
	r.logger.Info("reindex: backfill complete", "user_id", userID, "turns", len(turns), "indexed", n)
	return n, nil
}
