package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"
)

// RecencyStore is the per-user ordered log of turns and the system of
// record for turn existence. Implementations serialize appends per user and
// return turns ascending by CreatedAt (ties by ID).
type RecencyStore interface {
	// Append stores turn under userID's namespace. It fails with
	// ErrInvalidTurn when userID, turn.ID or turn.Content is missing, when
	// turn.UserID names a different user, or when the ID is already recorded;
	// with ErrStoreUnavailable when the backend cannot be reached. The IDs of
	// turns evicted by count retention are returned.
	Append(ctx context.Context, userID string, turn Turn) (evicted []string, err error)

	// Recent returns up to n most recent turns for userID, oldest first.
	// A user with no history yields an empty slice.
	Recent(ctx context.Context, userID string, n int) ([]Turn, error)

	// Get returns one turn, or ok=false when it is not (or no longer) stored.
	Get(ctx context.Context, userID, turnID string) (turn Turn, ok bool, err error)

	// Prune removes userID's turns created before cutoff and returns their IDs.
	Prune(ctx context.Context, userID string, cutoff time.Time) ([]string, error)

	// Users lists the users that currently have turns.
	Users(ctx context.Context) ([]string, error)

	Close() error
}

// Retention bounds a recency log.
type Retention struct {
	// MaxTurns is the per-user turn limit applied on Append. Zero means
	// unbounded.
	MaxTurns int
	// MaxAge is the age limit applied by the retention sweeper. Zero means
	// unbounded.
	MaxAge time.Duration
}

const namespacePrefix = "memory:"

// Namespace is the storage key for everything a recency backend holds for
// userID.
func Namespace(userID string) string {
	return namespacePrefix + userID
}

// userFromNamespace reverses Namespace.
func userFromNamespace(ns string) string {
	return strings.TrimPrefix(ns, namespacePrefix)
}

// validateAppend checks the Append contract shared by all backends.
func validateAppend(userID string, turn Turn) error {
	if strings.TrimSpace(userID) == "" {
		return invalidTurn("user_id is required")
	}
	if turn.UserID != "" && turn.UserID != userID {
		return invalidTurn("turn %s belongs to another user", turn.ID)
	}
	turn.UserID = userID
	return turn.Validate()
}

// compareTurns orders by CreatedAt, then ID.
func compareTurns(a, b Turn) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func sortTurns(turns []Turn) {
	slices.SortFunc(turns, compareTurns)
}

// removedTurn is a row returned by a DELETE ... RETURNING. Row order of
// RETURNING is undefined, so callers sort with oldestFirst.
type removedTurn struct {
	id        string
	createdAt int64
}

func oldestFirst(removed []removedTurn) []string {
	if len(removed) == 0 {
		return nil
	}
	slices.SortFunc(removed, func(a, b removedTurn) int {
		if c := cmp.Compare(a.createdAt, b.createdAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(removed))
	for i, r := range removed {
		ids[i] = r.id
	}
	return ids
}
