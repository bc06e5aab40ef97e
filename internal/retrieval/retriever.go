package retrieval

import (
	"context"
	"fmt"
	"time"
)

// ContextChunk is a retrieved trade text fragment with its similarity score.
type ContextChunk struct {
	ID         string
	SourceID   string
	SourceType string
	Text       string
	Score      float32
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Retriever embeds a question and searches the vector store with it.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve returns the topK chunks most similar to query whose metadata
// matches filter. An empty store yields no chunks and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter Filter) ([]ContextChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := r.store.Search(ctx, vec, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	return scoredToChunks(scored), nil
}

// RetrieveByIDs returns chunks for the given vector IDs.
func (r *Retriever) RetrieveByIDs(ctx context.Context, ids []string) ([]ContextChunk, error) {
	recs, err := r.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	chunks := make([]ContextChunk, len(recs))
	for i, rec := range recs {
		chunks[i] = toChunk(ScoredRecord{Record: rec})
	}
	return chunks, nil
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = toChunk(s)
	}
	return chunks
}

func toChunk(s ScoredRecord) ContextChunk {
	return ContextChunk{
		ID:         s.ID,
		SourceID:   s.SourceID,
		SourceType: s.SourceType,
		Text:       s.TextChunk,
		Score:      s.Score,
		Metadata:   s.Metadata,
		CreatedAt:  s.CreatedAt,
	}
}
