package memory

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify with errors.Is.
var (
	// ErrInvalidTurn means malformed input. Not retryable.
	ErrInvalidTurn = errors.New("invalid turn")

	// ErrStoreUnavailable means a backing store could not be reached or timed
	// out. Retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrProviderError means the embedding provider failed (network, quota).
	// Retryable; the synthesizer degrades instead of surfacing it.
	ErrProviderError = errors.New("embedding provider error")

	// ErrDimensionMismatch means an embedding does not have the configured
	// dimension. This is deployment skew and must not be retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

func invalidTurn(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTurn, fmt.Sprintf(format, args...))
}

func dimensionMismatch(want, got int) error {
	return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, want, got)
}

// unavailable wraps a backend failure as ErrStoreUnavailable, keeping the
// original error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// classifyStoreErr makes sure a failure coming back from a store call is
// reported in the taxonomy: known sentinels pass through, deadlines and
// anything else become ErrStoreUnavailable.
func classifyStoreErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrInvalidTurn),
		errors.Is(err, ErrDimensionMismatch):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: timed out: %w", op, ErrStoreUnavailable, err)
	default:
		return unavailable(op, err)
	}
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidTurn) || errors.Is(err, ErrDimensionMismatch) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrProviderError) ||
		errors.Is(err, context.DeadlineExceeded)
}
