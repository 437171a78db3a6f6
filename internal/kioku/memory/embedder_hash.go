package memory

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder based on feature
// hashing: each lower-cased word adds ±1 to one of Dimension buckets and the
// result is normalized. Texts sharing vocabulary score higher, which is
// enough for development setups and tests; it has no notion of meaning.
type HashEmbedder struct {
	Dimension int
}

// Embed implements Embedder. Text without any word characters yields nil.
func (h HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := h.Dimension
	if dim <= 0 {
		dim = 256
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, nil
	}

	vec := make([]float32, dim)
	for _, w := range words {
		hasher := fnv.New64a()
		hasher.Write([]byte(w))
		sum := hasher.Sum64()
		idx := int(sum % uint64(dim))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	if !normalize(vec) {
		// Every bucket cancelled out; nudge so the vector stays usable.
		vec[0] = 1
	}
	return vec, nil
}

var _ Embedder = HashEmbedder{}
