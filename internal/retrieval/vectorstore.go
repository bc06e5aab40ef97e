package retrieval

import (
	"context"
	"time"
)

// VectorStore stores embedded trade text chunks and answers similarity
// queries over them. SQLiteStore is the only implementation; a hosted
// backend would sit behind the same interface.
type VectorStore interface {
	// Insert adds records. Records with an ID that already exists are replaced.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records most similar to vector among those whose
	// metadata matches every entry of filter.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// GetByIDs returns the records with the given IDs, in no particular order.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteBySource removes every record derived from sourceID and reports
	// how many were removed.
	DeleteBySource(ctx context.Context, sourceID string) (int, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Filter is a set of metadata equality constraints. Values are compared in
// their text form, so {"hs_code": "950300"} matches both "950300" and 950300.
type Filter map[string]string

// Record is one embedded chunk. SourceType is "comtrade", "bill_of_lading" or
// "document"; Metadata carries the structured fields of the source record.
type Record struct {
	ID         string
	SourceID   string
	SourceType string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
	Metadata   map[string]any
}

// ScoredRecord is a Record with its cosine similarity to the query.
type ScoredRecord struct {
	Record
	Score float32
}
