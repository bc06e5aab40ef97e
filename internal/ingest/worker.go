// Package ingest turns queued raw trade records into embedded text chunks in
// the vector store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tradewatch/tradewatch/internal/metrics"
	"github.com/tradewatch/tradewatch/internal/providers"
	"github.com/tradewatch/tradewatch/internal/retrieval"
	"github.com/tradewatch/tradewatch/internal/storage"
)

// JobTypes are the job types the worker claims.
var JobTypes = []string{storage.JobETLRecord, storage.JobETLDocument}

// vectorNamespace derives stable vector IDs from record IDs, so a retried job
// replaces its earlier vectors.
var vectorNamespace = uuid.MustParse("6f1c9a52-8c1e-4f7e-9a38-2b7f5d0c4e11")

// JobStore abstracts the job queue and raw record operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetTradeRecord(id string) (storage.TradeRecord, error)
	UpdateTradeRecordVectorID(id, vectorID string) error
}

// ContentEmbedder generates embeddings for texts, in order.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter stores and replaces vectors.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteBySource(ctx context.Context, sourceID string) (int, error)
}

// Worker processes ETL jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Drain processes runnable jobs until none is left and reports how many were
// handled. Jobs waiting out a retry backoff are left for a later run.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunOnce claims and processes a single ETL job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(JobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		metrics.ETLJobsTotal.WithLabelValues(job.Type, "failed").Inc()
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	metrics.ETLJobsTotal.WithLabelValues(job.Type, "completed").Inc()
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload providers.RecordPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, err := w.store.GetTradeRecord(payload.RecordID)
	if err != nil {
		return fmt.Errorf("loading trade record %s: %w", payload.RecordID, err)
	}

	chunks, err := FormatRecord(rec)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("record %s produced no text", rec.ID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("got %d embeddings for %d chunks", len(vecs), len(chunks))
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.NewSHA1(vectorNamespace, []byte(rec.ID+"#"+strconv.Itoa(i))).String(),
			SourceID:   rec.ID,
			SourceType: rec.Source,
			TextChunk:  c.Text,
			Embedding:  vecs[i],
			CreatedAt:  now,
			Metadata:   c.Metadata,
		}
	}

	if _, err := w.vectors.DeleteBySource(ctx, rec.ID); err != nil {
		return fmt.Errorf("removing previous vectors: %w", err)
	}
	if err := w.vectors.Insert(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	if err := w.store.UpdateTradeRecordVectorID(rec.ID, records[0].ID); err != nil {
		return fmt.Errorf("updating vector_id: %w", err)
	}

	return nil
}
