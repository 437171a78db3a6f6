package memory

import (
	"context"
	"errors"
	"testing"
)

func TestChromemSemanticStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := ChromemConfig{Path: dir, Dimension: contractDim}

	s, err := NewChromemSemanticStore(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := MemoryRecord{TurnID: "t1", UserID: "u1", Role: RoleUser, Content: "persist me", Embedding: []float32{0, 1, 0}, CreatedAt: at(1)}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Close()

	reopened, err := NewChromemSemanticStore(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	hits, err := reopened.Search(ctx, "u1", []float32{0, 1, 0}, 3, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "persist me" || !hits[0].CreatedAt.Equal(at(1)) {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestChromemSemanticStore_RejectsZeroVector(t *testing.T) {
	s, err := NewChromemSemanticStore(ChromemConfig{Dimension: contractDim}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := MemoryRecord{TurnID: "t1", UserID: "u1", Role: RoleUser, Content: "x", Embedding: []float32{0, 0, 0}, CreatedAt: at(1)}
	if err := s.Upsert(context.Background(), rec); !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("err = %v, want ErrInvalidTurn", err)
	}
	// A zero query matches nothing rather than failing.
	hits, err := s.Search(context.Background(), "u1", []float32{0, 0, 0}, 3, 0)
	if err != nil || len(hits) != 0 {
		t.Fatalf("Search = %+v, %v", hits, err)
	}
}
