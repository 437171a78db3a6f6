package memory

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/blake3"
)

// CachedEmbedder memoizes another Embedder. Repeated queries and re-indexed
// turns do not pay for a second provider call. Keys are BLAKE3 digests of
// the namespace (typically the model name) and the text, so raw content is
// never held as a key.
type CachedEmbedder struct {
	next      Embedder
	namespace string
	cache     *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache holding up to maxEntries
// vectors.
func NewCachedEmbedder(next Embedder, namespace string, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	// Every vector costs 1, so MaxCost is an entry count.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}
	return &CachedEmbedder{next: next, namespace: namespace, cache: cache}, nil
}

func (c *CachedEmbedder) key(text string) string {
	buf := make([]byte, 0, len(c.namespace)+1+len(text))
	buf = append(buf, c.namespace...)
	buf = append(buf, 0)
	buf = append(buf, text...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Embed implements Embedder. Errors and nil vectors are not cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.cache.Get(k); ok {
		if vec, ok := v.([]float32); ok {
			return slices.Clone(vec), nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil || vec == nil {
		return vec, err
	}
	c.cache.Set(k, slices.Clone(vec), 1)
	return vec, nil
}

// Close stops the cache's background goroutines.
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}

var _ Embedder = (*CachedEmbedder)(nil)
