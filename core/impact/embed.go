package impact

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
)

// Dim is the embedding width used across the index.
const Dim = 384

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic, dependency-free embedder. It tiles the
// SHA-256 digest of the normalized text across the vector. Texts sharing
// token prefixes do not land near each other, so it is only a stand-in for a
// real embedding service, but it keeps the pipeline exercisable offline and
// is stable across runs.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	digest := sha256.Sum256([]byte(normalize(text)))
	vec := make([]float64, Dim)
	for i := range vec {
		vec[i] = float64(digest[i%len(digest)]) / 255.0
	}
	return vec, nil
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-length input.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
