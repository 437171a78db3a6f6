package memory

import "context"

// Embedder produces fixed-dimension vector embeddings for text. Failures are
// reported as ErrProviderError. Returning nil with no error means embedding
// is not available (noop provider, empty text); callers treat that like a
// failure and fall back to recency-only behaviour.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder disables semantic retrieval.
type NoopEmbedder struct{}

// Embed always returns nil, nil.
func (NoopEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

var _ Embedder = NoopEmbedder{}
