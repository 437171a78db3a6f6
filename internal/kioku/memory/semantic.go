package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
)

// SemanticStore is a per-user vector index over MemoryRecords. The user
// filter is part of every call and is applied by the backend itself.
type SemanticStore interface {
	// Upsert inserts or replaces the record for rec.TurnID. It fails with
	// ErrDimensionMismatch if the embedding length differs from the store's
	// dimension, with ErrStoreUnavailable on backend failure.
	Upsert(ctx context.Context, rec MemoryRecord) error

	// Search returns up to k of userID's records scoring at least minScore
	// against query, by score descending, ties broken by newer CreatedAt.
	Search(ctx context.Context, userID string, query []float32, k int, minScore float64) ([]ScoredRecord, error)

	// Delete removes userID's records for the given turn IDs. Unknown IDs
	// are ignored.
	Delete(ctx context.Context, userID string, turnIDs ...string) error

	Close() error
}

// validateRecord checks what every backend requires of an upserted record.
// A dimension of zero or less disables the length check.
func validateRecord(rec MemoryRecord, dimension int) error {
	if strings.TrimSpace(rec.UserID) == "" || rec.TurnID == "" {
		return invalidTurn("memory record needs user_id and turn_id")
	}
	if len(rec.Embedding) == 0 {
		return invalidTurn("memory record %s has no embedding", rec.TurnID)
	}
	if dimension > 0 && len(rec.Embedding) != dimension {
		return dimensionMismatch(dimension, len(rec.Embedding))
	}
	return nil
}

func validateQuery(query []float32, dimension int) error {
	if dimension > 0 && len(query) != dimension {
		return dimensionMismatch(dimension, len(query))
	}
	return nil
}

// compareScored orders search hits: higher score first, then newer, then
// turn ID so results are deterministic.
func compareScored(a, b ScoredRecord) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.TurnID, b.TurnID)
}

// rankScored drops hits below minScore, sorts the rest and keeps the top k.
func rankScored(hits []ScoredRecord, k int, minScore float64) []ScoredRecord {
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			kept = append(kept, h)
		}
	}
	slices.SortFunc(kept, compareScored)
	if len(kept) > k {
		kept = kept[:k]
	}
	return kept
}
