package memory

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/llm/embedding"
)

// Match is one ranked similarity result.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// VectorIndex is the similarity-search capability. It is a derived,
// rebuildable view over the primary store: callers treat every operation as
// best-effort and never let index failures fail a primary write.
type VectorIndex interface {
	// Upsert indexes text under the given document ID.
	Upsert(ctx context.Context, id, text string) error
	// Remove drops a document from the index. Unknown IDs are a no-op.
	Remove(ctx context.Context, id string) error
	// Query ranks the candidate IDs by similarity to the query text,
	// best first. IDs missing from the index are skipped.
	Query(ctx context.Context, query string, candidateIDs []string, topK int) ([]Match, error)
}

// InMemoryVectorIndex is a mutex-guarded cosine-similarity index backed by
// an embedding provider.
type InMemoryVectorIndex struct {
	embedder embedding.Provider
	vectors  map[string][]float64
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewInMemoryVectorIndex creates an index over the given embedder.
func NewInMemoryVectorIndex(embedder embedding.Provider, logger *zap.Logger) *InMemoryVectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorIndex{
		embedder: embedder,
		vectors:  make(map[string][]float64),
		logger:   logger.With(zap.String("component", "vector_index")),
	}
}

func (idx *InMemoryVectorIndex) Upsert(ctx context.Context, id, text string) error {
	vec, err := idx.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.vectors[id] = vec
	idx.mu.Unlock()
	return nil
}

func (idx *InMemoryVectorIndex) Remove(ctx context.Context, id string) error {
	idx.mu.Lock()
	delete(idx.vectors, id)
	idx.mu.Unlock()
	return nil
}

func (idx *InMemoryVectorIndex) Query(ctx context.Context, query string, candidateIDs []string, topK int) ([]Match, error) {
	queryVec, err := idx.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	matches := make([]Match, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		vec, ok := idx.vectors[id]
		if !ok {
			continue
		}
		matches = append(matches, Match{ID: id, Score: embedding.CosineSimilarity(queryVec, vec)})
	}
	idx.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}
