package memory

import (
	"context"
	"slices"
	"sync"
)

// MemorySemanticStore is a brute-force in-process vector index, partitioned
// by user.
type MemorySemanticStore struct {
	dimension int

	mu    sync.RWMutex
	users map[string]map[string]MemoryRecord
}

// NewMemorySemanticStore creates an empty index enforcing dimension.
func NewMemorySemanticStore(dimension int) *MemorySemanticStore {
	return &MemorySemanticStore{
		dimension: dimension,
		users:     make(map[string]map[string]MemoryRecord),
	}
}

// Upsert implements SemanticStore.
func (s *MemorySemanticStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	if err := validateRecord(rec, s.dimension); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return classifyStoreErr("semantic memory: upsert", err)
	}
	rec.Embedding = slices.Clone(rec.Embedding)

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.users[rec.UserID]
	if !ok {
		recs = make(map[string]MemoryRecord)
		s.users[rec.UserID] = recs
	}
	recs[rec.TurnID] = rec
	return nil
}

// Search implements SemanticStore.
func (s *MemorySemanticStore) Search(ctx context.Context, userID string, query []float32, k int, minScore float64) ([]ScoredRecord, error) {
	if err := validateQuery(query, s.dimension); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreErr("semantic memory: search", err)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	recs := s.users[userID]
	hits := make([]ScoredRecord, 0, len(recs))
	for _, rec := range recs {
		hits = append(hits, ScoredRecord{MemoryRecord: rec, Score: cosineSimilarity(query, rec.Embedding)})
	}
	s.mu.RUnlock()

	return rankScored(hits, k, minScore), nil
}

// Delete implements SemanticStore.
func (s *MemorySemanticStore) Delete(ctx context.Context, userID string, turnIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return classifyStoreErr("semantic memory: delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.users[userID]
	for _, id := range turnIDs {
		delete(recs, id)
	}
	if len(recs) == 0 {
		delete(s.users, userID)
	}
	return nil
}

// Len reports how many records userID has. Used by tests and /status.
func (s *MemorySemanticStore) Len(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Close implements SemanticStore.
func (s *MemorySemanticStore) Close() error { return nil }

var _ SemanticStore = (*MemorySemanticStore)(nil)
