// Package embedding defines the embedding capability and a deterministic
// local provider used for tests and for degraded operation when no remote
// embedder is configured.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Provider generates vector embeddings for text.
type Provider interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// EmbedDocuments embeds multiple documents in one batch.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the embedding dimensionality.
	Dimensions() int
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched or zero-length inputs.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// LocalProvider is a deterministic token-hashing embedder. It captures
// lexical overlap well enough for tests and offline operation but is not a
// substitute for a semantic model.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates a LocalProvider with the given dimensionality.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 256
	}
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) Name() string    { return "local-hash" }
func (p *LocalProvider) Dimensions() int { return p.dims }

func (p *LocalProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return p.embed(query), nil
}

func (p *LocalProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	out := make([][]float64, len(documents))
	for i, doc := range documents {
		out[i] = p.embed(doc)
	}
	return out, nil
}

func (p *LocalProvider) embed(text string) []float64 {
	vec := make([]float64, p.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%p.dims]++
	}
	// L2-normalize so cosine similarity is a dot product of unit vectors.
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
