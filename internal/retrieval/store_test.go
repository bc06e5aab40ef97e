package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/tradewatch/tradewatch/internal/storage"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db.DB())
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func insert(t *testing.T, s *SQLiteStore, recs ...Record) {
	t.Helper()
	if err := s.Insert(context.Background(), recs); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestInsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	insert(t, s, Record{
		ID:         "v1",
		SourceID:   "comtrade:950300:202506",
		SourceType: "comtrade",
		TextChunk:  "Trade Statistics Update: In 06/2025, Poland's imports of toys",
		Embedding:  vec,
		CreatedAt:  time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Metadata:   map[string]any{"hs_code": "950300", "trade_value_usd": 125000.5},
	})

	results, err := s.Search(ctx, vec, 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	got := results[0]
	if got.Score < 0.999 {
		t.Errorf("self-similarity = %f, want ~1", got.Score)
	}
	if got.Metadata["hs_code"] != "950300" || got.Metadata["trade_value_usd"] != 125000.5 {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if len(got.Embedding) != 768 {
		t.Errorf("embedding dimension = %d", len(got.Embedding))
	}
}

func TestSearch_TopKOrdered(t *testing.T) {
	s := openTestStore(t)

	query := []float32{1, 0, 0}
	insert(t, s,
		Record{ID: "far", SourceID: "a", SourceType: "bol", TextChunk: "far", Embedding: []float32{0, 1, 0}},
		Record{ID: "near", SourceID: "b", SourceType: "bol", TextChunk: "near", Embedding: []float32{0.9, 0.1, 0}},
		Record{ID: "exact", SourceID: "c", SourceType: "bol", TextChunk: "exact", Embedding: []float32{1, 0, 0}},
	)

	results, err := s.Search(context.Background(), query, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "exact" || results[1].ID != "near" {
		t.Errorf("results = %v", resultIDs(results))
	}
}

func TestSearch_MetadataFilter(t *testing.T) {
	s := openTestStore(t)

	v := []float32{1, 1}
	insert(t, s,
		Record{ID: "toys", SourceID: "a", SourceType: "comtrade", TextChunk: "toys", Embedding: v,
			Metadata: map[string]any{"hs_code": "950300", "reporter_country": "Poland"}},
		Record{ID: "numeric", SourceID: "b", SourceType: "bol", TextChunk: "numeric code", Embedding: v,
			Metadata: map[string]any{"hs_code": 950300}},
		Record{ID: "shoes", SourceID: "c", SourceType: "comtrade", TextChunk: "shoes", Embedding: v,
			Metadata: map[string]any{"hs_code": "640399"}},
	)

	results, err := s.Search(context.Background(), v, 10, Filter{"hs_code": "950300"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("filtered results = %v, want toys and numeric", resultIDs(results))
	}

	results, err = s.Search(context.Background(), v, 10, Filter{"hs_code": "950300", "reporter_country": "Poland"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "toys" {
		t.Errorf("two-key filter = %v, want [toys]", resultIDs(results))
	}
}

func TestSearch_InvalidFilterKey(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Search(context.Background(), []float32{1}, 3, Filter{"x') OR 1=1 --": "y"}); err == nil {
		t.Error("expected an error for an unsafe filter key")
	}
}

func TestSearch_EmptyAndDegenerate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if res, err := s.Search(ctx, []float32{1, 0}, 5, nil); err != nil || len(res) != 0 {
		t.Errorf("empty store = %v, %v", res, err)
	}
	insert(t, s, Record{ID: "a", SourceID: "a", SourceType: "bol", TextChunk: "a", Embedding: []float32{1, 0}})
	if res, _ := s.Search(ctx, []float32{1, 0}, 0, nil); len(res) != 0 {
		t.Errorf("topK=0 returned %d results", len(res))
	}
	if res, _ := s.Search(ctx, []float32{0, 0}, 5, nil); len(res) != 0 {
		t.Errorf("zero query vector returned %d results", len(res))
	}
}

func TestDeleteBySourceAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert(t, s,
		Record{ID: "d1", SourceID: "report.pdf", SourceType: "document", TextChunk: "p1", Embedding: []float32{1}},
		Record{ID: "d2", SourceID: "report.pdf", SourceType: "document", TextChunk: "p2", Embedding: []float32{1}},
		Record{ID: "c1", SourceID: "comtrade:1", SourceType: "comtrade", TextChunk: "c", Embedding: []float32{1}},
	)

	byType, err := s.CountBySourceType(ctx)
	if err != nil {
		t.Fatalf("CountBySourceType: %v", err)
	}
	if byType["document"] != 2 || byType["comtrade"] != 1 {
		t.Errorf("CountBySourceType = %v", byType)
	}

	n, err := s.DeleteBySource(ctx, "report.pdf")
	if err != nil || n != 2 {
		t.Fatalf("DeleteBySource = %d, %v; want 2", n, err)
	}
	if count, _ := s.Count(ctx); count != 1 {
		t.Errorf("Count after delete = %d, want 1", count)
	}
}

func TestInsert_ReplacesExistingID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insert(t, s, Record{ID: "v", SourceID: "s", SourceType: "bol", TextChunk: "old", Embedding: []float32{1}})
	insert(t, s, Record{ID: "v", SourceID: "s", SourceType: "bol", TextChunk: "new", Embedding: []float32{1}})

	recs, err := s.GetByIDs(ctx, []string{"v"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(recs) != 1 || recs[0].TextChunk != "new" {
		t.Errorf("records = %+v", recs)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a truncated blob")
	}
}

func resultIDs(rs []ScoredRecord) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}
