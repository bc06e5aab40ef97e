package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the trade_vectors table and searches them by
// brute-force cosine similarity. Metadata filters are pushed into the scan
// query with json_extract.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database on which the storage migrations have run.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const selectRecord = `SELECT id, source_id, source_type, text_chunk, embedding, created_at, metadata_json FROM trade_vectors`

// Insert writes records in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trade_vectors (id, source_id, source_type, text_chunk, embedding, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.SourceID, r.SourceType, r.TextChunk,
			encodeFloat32s(r.Embedding), createdAt.UTC().Format(time.RFC3339), string(metaJSON)); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// idScore holds only the ID and score during the scan; full rows are loaded
// for the winners.
type idScore struct {
	ID    string
	Score float32
}

var metadataKey = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// filterClause turns f into a WHERE clause over metadata_json, with keys in
// sorted order so the query text is stable.
func filterClause(f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		if !metadataKey.MatchString(k) {
			return "", nil, fmt.Errorf("invalid metadata filter key %q", k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf(`CAST(json_extract(metadata_json, '$.%s') AS TEXT) = ?`, k)
		args[i] = f[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Search scans id and embedding of the matching rows, keeps the topK best in
// a min-heap and then loads the full records for them.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args, err := filterClause(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM trade_vectors`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	ids := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	results := make([]ScoredRecord, len(records))
	for i, r := range records {
		results[i] = ScoredRecord{Record: r, Score: scores[r.ID]}
	}
	// IN (...) does not preserve order.
	slices.SortStableFunc(results, func(a, b ScoredRecord) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return results, nil
}

// GetByIDs loads full records.
func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteBySource removes the chunks derived from sourceID.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trade_vectors WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors of %s: %w", sourceID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trade_vectors`).Scan(&n)
	return n, err
}

// CountBySourceType groups the vector count by source type.
func (s *SQLiteStore) CountBySourceType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM trade_vectors GROUP BY source_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var blob []byte
	var createdAt, metaJSON string
	if err := row.Scan(&r.ID, &r.SourceID, &r.SourceType, &r.TextChunk, &blob, &createdAt, &metaJSON); err != nil {
		return Record{}, fmt.Errorf("scanning row: %w", err)
	}
	emb, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = emb
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
		return Record{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	return r, nil
}

// encodeFloat32s serializes v as little-endian float32s.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes into buf, growing it only when needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine returns dot(a,b)/(|a||b|); aNorm is precomputed. Vectors of
// different dimension score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if bSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bSq)))
}

// idScoreHeap is a min-heap on Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
