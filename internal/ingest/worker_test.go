package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradewatch/tradewatch/internal/providers"
	"github.com/tradewatch/tradewatch/internal/retrieval"
	"github.com/tradewatch/tradewatch/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return m.embedFn(ctx, texts)
}

func fixedEmbedder() *mockEmbedder {
	return &mockEmbedder{embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		return out, nil
	}}
}

type mockVectorWriter struct {
	mu       sync.Mutex
	inserted []retrieval.Record
	deleted  []string
	insertFn func(records []retrieval.Record) error
}

func (m *mockVectorWriter) Insert(_ context.Context, records []retrieval.Record) error {
	if m.insertFn != nil {
		return m.insertFn(records)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, records...)
	return nil
}

func (m *mockVectorWriter) DeleteBySource(_ context.Context, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sourceID)
	return 0, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueRecord(t *testing.T, store *storage.Store, id, source, jobType string, payload any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	if _, err := store.SaveTradeRecord(storage.TradeRecord{ID: id, Source: source, PayloadJSON: string(b)}); err != nil {
		t.Fatalf("SaveTradeRecord: %v", err)
	}
	jp, _ := json.Marshal(providers.RecordPayload{RecordID: id})
	if err := store.EnqueueJob(storage.Job{ID: "job-" + id, Type: jobType, PayloadJSON: string(jp)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

var toys = providers.ComtradeRecord{
	Period: "202506", ReporterCode: "842", ReporterDesc: "USA", PartnerCode: "156", PartnerDesc: "China",
	FlowCode: "M", FlowDesc: "Import", CmdCode: "950300", CmdDesc: "Toys",
	PrimaryValue: 1250000, Qty: 5000, QtyUnitAbbr: "kg",
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesComtradeJob(t *testing.T) {
	store := openTestStore(t)
	enqueueRecord(t, store, "ct-1", providers.SourceComtrade, storage.JobETLRecord, toys)

	vectors := &mockVectorWriter{}
	w := NewWorker(store, fixedEmbedder(), vectors, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	vectors.mu.Lock()
	defer vectors.mu.Unlock()
	if len(vectors.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(vectors.inserted))
	}
	rec := vectors.inserted[0]
	if rec.SourceID != "ct-1" || rec.SourceType != "comtrade" {
		t.Errorf("record source = %q/%q", rec.SourceID, rec.SourceType)
	}
	if !strings.HasPrefix(rec.TextChunk, "Trade Statistics Update:") {
		t.Errorf("TextChunk = %q", rec.TextChunk)
	}
	if rec.Metadata["hs_code"] != "950300" {
		t.Errorf("metadata = %v", rec.Metadata)
	}
	if len(vectors.deleted) != 1 || vectors.deleted[0] != "ct-1" {
		t.Errorf("deleted = %v, want previous vectors of ct-1 removed", vectors.deleted)
	}

	tr, err := store.GetTradeRecord("ct-1")
	if err != nil {
		t.Fatalf("GetTradeRecord: %v", err)
	}
	if tr.VectorID != rec.ID {
		t.Errorf("VectorID = %q, want %q", tr.VectorID, rec.ID)
	}
}

func TestWorker_VectorIDsAreStable(t *testing.T) {
	store := openTestStore(t)
	enqueueRecord(t, store, "ct-1", providers.SourceComtrade, storage.JobETLRecord, toys)

	vectors := &mockVectorWriter{}
	w := NewWorker(store, fixedEmbedder(), vectors, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	jp, _ := json.Marshal(providers.RecordPayload{RecordID: "ct-1"})
	store.EnqueueJob(storage.Job{ID: "job-again", Type: storage.JobETLRecord, PayloadJSON: string(jp)})
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(vectors.inserted) != 2 || vectors.inserted[0].ID != vectors.inserted[1].ID {
		t.Errorf("re-processing should reuse the vector ID: %+v", vectors.inserted)
	}
}

func TestWorker_DocumentJobIntoSQLiteStore(t *testing.T) {
	store := openTestStore(t)
	doc := providers.DocumentPayload{
		Title:  "Port notice",
		Origin: "https://example.com/notice",
		Text:   strings.Repeat("Terminal 4 closed for maintenance.\n", 100),
		Date:   "2025-07-15",
	}
	enqueueRecord(t, store, "doc:1", providers.SourceDocument, storage.JobETLDocument, doc)

	vs := retrieval.NewSQLiteStore(store.DB())
	w := NewWorker(store, fixedEmbedder(), vs, 0)
	n, err := w.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}

	count, err := vs.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count < 2 {
		t.Errorf("stored %d chunks, want the document split into several", count)
	}
	hits, err := vs.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 10, retrieval.Filter{"source": "document", "title": "Port notice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != count {
		t.Errorf("filtered search returned %d of %d chunks", len(hits), count)
	}
}

func TestWorker_UnknownSourceFails(t *testing.T) {
	store := openTestStore(t)
	enqueueRecord(t, store, "x-1", "telex", storage.JobETLRecord, map[string]string{})

	w := NewWorker(store, fixedEmbedder(), &mockVectorWriter{}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	var lastError string
	if err := store.DB().QueryRow(`SELECT last_error FROM jobs WHERE id = 'job-x-1'`).Scan(&lastError); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(lastError, "unknown record source") {
		t.Errorf("last_error = %q", lastError)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueRecord(t, store, "ct-r", providers.SourceComtrade, storage.JobETLRecord, toys)

	var calls atomic.Int32
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
			n := calls.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("transient error %d", n)
			}
			return [][]float32{{0.1, 0.2, 0.3}}, nil
		},
	}, &mockVectorWriter{}, 0)

	ctx := context.Background()

	// 1st attempt fails
	didWork, err := w.RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}

	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = 'job-ct-r'`).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	resetRunAfter(t, store, "job-ct-r")

	// 2nd attempt fails
	if didWork, err = w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}

	resetRunAfter(t, store, "job-ct-r")

	// 3rd attempt succeeds
	if didWork, err = w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}

	var status3 string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-ct-r'`).Scan(&status3); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status3 != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status3)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueRecord(t, store, "ct-m", providers.SourceComtrade, storage.JobETLRecord, toys)

	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ []string) ([][]float32, error) {
			return nil, fmt.Errorf("permanent error")
		},
	}, &mockVectorWriter{}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-ct-m")
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = 'job-ct-m'`).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_DrainLeavesBackoffJobs(t *testing.T) {
	store := openTestStore(t)
	for i := range 5 {
		enqueueRecord(t, store, fmt.Sprintf("ct-%d", i), providers.SourceComtrade, storage.JobETLRecord, toys)
	}
	enqueueRecord(t, store, "bad", "telex", storage.JobETLRecord, map[string]string{})

	w := NewWorker(store, fixedEmbedder(), &mockVectorWriter{}, 0)
	n, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 6 {
		t.Errorf("processed %d jobs, want 6", n)
	}
	counts, _ := store.JobCounts()
	if counts["completed"] != 5 || counts["pending"] != 1 {
		t.Errorf("job counts = %v", counts)
	}
}
