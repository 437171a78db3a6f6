package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// setupTestDB opens a migrated in-memory SQLite database.
func setupTestDB(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns base, base+step, base+2*step, ...
type stepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{next: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.step)
	return t
}

// listClock hands out the given times in order, then repeats the last one.
type listClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *listClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

// scriptedEmbedder maps exact texts to vectors; anything else gets fallback.
type scriptedEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    int
}

func (e *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.fallback, nil
}

// blockingEmbedder never answers before its context ends.
type blockingEmbedder struct{}

func (blockingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// unitAt returns a 2-d unit vector whose cosine with (1, 0) is score.
func unitAt(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
}

// downRecency fails every call the way an unreachable backend would.
type downRecency struct {
	block bool // wait for the context instead of failing at once
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

func (d downRecency) fail(ctx context.Context) error {
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return unavailable("recency fake", errConnRefused)
}

func (d downRecency) Append(ctx context.Context, _ string, _ Turn) ([]string, error) {
	return nil, d.fail(ctx)
}
func (d downRecency) Recent(ctx context.Context, _ string, _ int) ([]Turn, error) {
	return nil, d.fail(ctx)
}
func (d downRecency) Get(ctx context.Context, _, _ string) (Turn, bool, error) {
	return Turn{}, false, d.fail(ctx)
}
func (d downRecency) Prune(ctx context.Context, _ string, _ time.Time) ([]string, error) {
	return nil, d.fail(ctx)
}
func (d downRecency) Users(ctx context.Context) ([]string, error) { return nil, d.fail(ctx) }
func (d downRecency) Close() error { return nil }

// spySemantic wraps a SemanticStore, counting calls and optionally failing.
type spySemantic struct {
	SemanticStore
	mu        sync.Mutex
	upserts   int
	searches  int
	deletes   []string
	upsertErr error
	searchErr error
}

func (s *spySemantic) Upsert(ctx context.Context, rec MemoryRecord) error {
	s.mu.Lock()
	s.upserts++
	err := s.upsertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.SemanticStore.Upsert(ctx, rec)
}

func (s *spySemantic) Search(ctx context.Context, userID string, q []float32, k int, min float64) ([]ScoredRecord, error) {
	s.mu.Lock()
	s.searches++
	err := s.searchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.SemanticStore.Search(ctx, userID, q, k, min)
}

func (s *spySemantic) Delete(ctx context.Context, userID string, ids ...string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, ids...)
	s.mu.Unlock()
	return s.SemanticStore.Delete(ctx, userID, ids...)
}

func (s *spySemantic) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// recordingObserver counts observer events.
type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	recorded map[string]int
	failures map[string]int
	degraded int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{recorded: map[string]int{}, failures: map[string]int{}}
}

func (o *recordingObserver) TurnRecorded(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded[status]++
}

func (o *recordingObserver) IndexingFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[reason]++
}

func (o *recordingObserver) ContextAssembled(degraded bool, _, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if degraded {
		o.degraded++
	}
}

func turnAt(id, userID, content string, at time.Time) Turn {
	return Turn{ID: id, UserID: userID, Role: RoleUser, Content: content, CreatedAt: at}
}

func turnIDs(msgs []ContextMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.TurnID
	}
	return ids
}
