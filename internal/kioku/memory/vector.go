package memory

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the lengths differ, either vector is empty, or either has
// zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalize scales v to unit length in place. A zero vector is left as is
// and reported with false.
func normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Embedding blobs are CBOR arrays encoded with Core Deterministic Encoding,
// so the same vector always produces the same bytes.
var (
	embeddingEnc cbor.EncMode
	embeddingDec cbor.DecMode
)

func init() {
	var err error
	embeddingEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("memory: CBOR encoder initialization failed: " + err.Error())
	}
	embeddingDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("memory: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEmbedding(v []float32) ([]byte, error) {
	b, err := embeddingEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return b, nil
}

func decodeEmbedding(b []byte) ([]float32, error) {
	var v []float32
	if err := embeddingDec.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return v, nil
}

// vectorLiteral renders v in pgvector's text input format: "[0.1,0.2,0.3]".
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v)*10 + 2)
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
