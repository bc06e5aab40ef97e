package oracle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradewatch/tradewatch/internal/composer"
	"github.com/tradewatch/tradewatch/internal/facts"
	"github.com/tradewatch/tradewatch/internal/proxy"
	"github.com/tradewatch/tradewatch/internal/reranking"
	"github.com/tradewatch/tradewatch/internal/retrieval"
)

// Retriever finds trade chunks for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, filter retrieval.Filter) ([]retrieval.ContextChunk, error)
}

// Completer synthesizes an answer from chat messages. *proxy.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, model string, messages []proxy.Message, temperature float64) (string, error)
}

// FactExtractor pulls structured facts out of an answer.
type FactExtractor interface {
	Extract(ctx context.Context, question, answer string) (facts.Facts, error)
}

// Observer receives the duration of every Ask, successful or not.
type Observer func(d time.Duration, err error)

// Config tunes a RAG oracle.
type Config struct {
	Model       string
	Temperature float64
	TopK        int
	// MinScore drops retrieved chunks with a lower similarity before they
	// reach the prompt or the citations. 0 selects DefaultMinScore and a
	// negative value keeps every chunk.
	MinScore float32
	// Timeout bounds a whole Ask; 0 disables it.
	Timeout time.Duration
	// RateLimit caps Ask calls per second; 0 disables it.
	RateLimit float64
}

// RAG answers questions by retrieving trade records, composing a prompt,
// synthesizing an answer with a hosted model and extracting facts from it
// with a local one.
type RAG struct {
	retriever Retriever
	reranker  reranking.Reranker
	composer  *composer.Composer
	llm       Completer
	facts     FactExtractor
	cfg       Config
	limiter   *rate.Limiter
	observe   Observer
	log       *slog.Logger
}

// Option customizes a RAG oracle.
type Option func(*RAG)

// WithReranker re-scores retrieved chunks before composition.
func WithReranker(r reranking.Reranker) Option {
	return func(o *RAG) { o.reranker = r }
}

// WithObserver registers a duration callback, used for metrics.
func WithObserver(fn Observer) Option {
	return func(o *RAG) { o.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *RAG) { o.log = l }
}

// DefaultMinScore is the similarity floor used when Config.MinScore is 0.
const DefaultMinScore = 0.5

// NewRAG assembles an oracle. TopK <= 0 selects 10.
func NewRAG(r Retriever, c *composer.Composer, llm Completer, fx FactExtractor, cfg Config, opts ...Option) *RAG {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = DefaultMinScore
	}
	o := &RAG{
		retriever: r,
		reranker:  reranking.NoOp{},
		composer:  c,
		llm:       llm,
		facts:     fx,
		cfg:       cfg,
		log:       slog.Default(),
	}
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ask implements Oracle. Retrieval and synthesis failures are returned as
// *OracleError; a failed fact extraction only leaves Facts empty.
func (o *RAG) Ask(ctx context.Context, question string, filters map[string]string) (resp Response, err error) {
	start := time.Now()
	defer func() {
		if o.observe != nil {
			o.observe(time.Since(start), err)
		}
	}()

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return Response{}, &OracleError{Op: "rate limit", Err: err}
		}
	}

	chunks, err := o.retriever.Retrieve(ctx, question, o.cfg.TopK, retrieval.Filter(filters))
	if err != nil {
		return Response{}, &OracleError{Op: "retrieve", Err: err}
	}
	chunks = relevant(chunks, o.cfg.MinScore)
	chunks = o.reranker.Rerank(ctx, question, chunks)

	messages, used := o.composer.Compose(question, chunks)
	answer, err := o.llm.Complete(ctx, o.cfg.Model, messages, o.cfg.Temperature)
	if err != nil {
		return Response{}, &OracleError{Op: "synthesize", Err: err}
	}

	resp = Response{Answer: answer, Citations: citations(used)}

	f, err := o.facts.Extract(ctx, question, answer)
	if err != nil {
		o.log.Warn("oracle: fact extraction failed", "error", err)
		return resp, nil
	}
	if m := f.Map(); len(m) > 0 {
		resp.Facts = m
	}
	resp.IsAnomalous = f.IsAnomalous
	return resp, nil
}

// relevant keeps the chunks scoring at least floor, in order.
func relevant(chunks []retrieval.ContextChunk, floor float32) []retrieval.ContextChunk {
	out := chunks[:0:0]
	for _, c := range chunks {
		if c.Score >= floor {
			out = append(out, c)
		}
	}
	return out
}

// citations returns the distinct source IDs of chunks, in chunk order.
func citations(chunks []retrieval.ContextChunk) []string {
	seen := make(map[string]bool, len(chunks))
	out := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		if seen[ch.SourceID] {
			continue
		}
		seen[ch.SourceID] = true
		out = append(out, ch.SourceID)
	}
	return out
}
