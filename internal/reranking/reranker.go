package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tradewatch/tradewatch/internal/ollama"
	"github.com/tradewatch/tradewatch/internal/retrieval"
)

const defaultConcurrency = 3

// Chatter is the structured chat call the reranker needs. *ollama.Client
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// Reranker re-scores retrieved trade chunks against the question.
type Reranker interface {
	Rerank(ctx context.Context, question string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk
}

// Options configures an LLMReranker.
type Options struct {
	Model     string
	Timeout   time.Duration
	Threshold float64
	// TopK stops scoring once that many chunks have a score; 0 scores all.
	TopK int
}

// New returns an LLMReranker when enabled and a NoOp otherwise.
func New(c Chatter, opts Options, enabled bool) Reranker {
	if !enabled || c == nil {
		return NoOp{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &LLMReranker{chat: c, opts: opts, log: slog.Default()}
}

// LLMReranker asks a local model for a 0..1 relevance score per chunk, drops
// chunks under the threshold and sorts the rest by score.
type LLMReranker struct {
	chat Chatter
	opts Options
	log  *slog.Logger
}

var scoreSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score between 0.0 and 1.0"},
	},
	Required: []string{"score"},
}

// Rerank never fails: on timeout it returns chunks unchanged, and a chunk
// whose scoring fails keeps its vector similarity score.
func (r *LLMReranker) Rerank(ctx context.Context, question string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if len(chunks) == 0 {
		return chunks
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	stopAt := r.opts.TopK
	if stopAt <= 0 || stopAt >= len(chunks) {
		stopAt = len(chunks)
	}

	results := make(chan retrieval.ContextChunk, len(chunks))
	sem := make(chan struct{}, defaultConcurrency)
	var wg sync.WaitGroup
	for _, ch := range chunks {
		wg.Add(1)
		go func(chunk retrieval.ContextChunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(ctx, question, chunk)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Debug("rerank: scoring failed, keeping similarity score", "chunk_id", chunk.ID, "error", err)
			} else {
				chunk.Score = score
			}
			results <- chunk
		}(ch)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]retrieval.ContextChunk, 0, len(chunks))
	for len(scored) < stopAt {
		select {
		case ch, ok := <-results:
			if !ok {
				stopAt = len(scored)
				continue
			}
			scored = append(scored, ch)
		case <-ctx.Done():
			return chunks
		}
	}
	cancel()

	if len(scored) == 0 {
		return chunks
	}

	kept := scored[:0]
	for _, ch := range scored {
		if float64(ch.Score) >= r.opts.Threshold {
			kept = append(kept, ch)
		}
	}
	slices.SortStableFunc(kept, func(a, b retrieval.ContextChunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	return kept
}

func (r *LLMReranker) score(ctx context.Context, question string, chunk retrieval.ContextChunk) (float32, error) {
	prompt := "Rate how useful the following trade record is for answering the question, on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Record: " + chunk.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.chat.Chat(ctx, r.opts.Model, []ollama.Message{{Role: "user", Content: prompt}}, scoreSchema)
	if err != nil {
		return 0, err
	}
	obj, err := ollama.JSONObject(resp)
	if err != nil {
		return 0, err
	}
	var out struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return 0, fmt.Errorf("decoding score: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return float32(*out.Score), nil
}

// NoOp returns chunks unchanged.
type NoOp struct{}

func (NoOp) Rerank(_ context.Context, _ string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	return chunks
}
