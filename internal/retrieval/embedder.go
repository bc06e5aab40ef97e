package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbedClient produces one embedding per call. *ollama.Client satisfies it.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// BatchEmbedClient is implemented by clients that embed many texts per
// request.
type BatchEmbedClient interface {
	EmbedClient
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// DefaultBatchSize is the number of texts sent per batch request.
const DefaultBatchSize = 100

// Embedder generates embeddings with a fixed model.
type Embedder struct {
	client    EmbedClient
	model     string
	batchSize int
}

// NewEmbedder creates an Embedder for model.
func NewEmbedder(c EmbedClient, model string) *Embedder {
	return &Embedder{client: c, model: model, batchSize: DefaultBatchSize}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns one embedding per text, in order. Batch-capable clients
// get requests of up to DefaultBatchSize texts; others get at most four
// concurrent single calls. Nil input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if bc, ok := e.client.(BatchEmbedClient); ok {
		return e.embedInBatches(ctx, bc, texts)
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.client.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedInBatches(ctx context.Context, bc BatchEmbedClient, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := bc.EmbedBatch(ctx, e.model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		results = append(results, vecs...)
	}
	return results, nil
}
