package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveTradeRecord stores a raw provider record. Re-ingesting the same record
// ID is a no-op so repeated pipeline runs do not duplicate embeddings.
// Returns true when a new row was written.
func (s *Store) SaveTradeRecord(r TradeRecord) (bool, error) {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO trade_records (id, source, hs_code, record_date, payload_json, created_at, vector_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Source, r.HSCode, r.RecordDate, r.PayloadJSON, createdAt.UTC().Format(time.RFC3339), r.VectorID,
	)
	if err != nil {
		return false, fmt.Errorf("saving trade record %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetTradeRecord(id string) (TradeRecord, error) {
	var r TradeRecord
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, source, hs_code, record_date, payload_json, created_at, vector_id
		FROM trade_records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Source, &r.HSCode, &r.RecordDate, &r.PayloadJSON, &createdAt, &r.VectorID)
	if err == sql.ErrNoRows {
		return TradeRecord{}, ErrNotFound
	}
	if err != nil {
		return TradeRecord{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return TradeRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateTradeRecordVectorID(id, vectorID string) error {
	res, err := s.db.Exec(`UPDATE trade_records SET vector_id = ? WHERE id = ?`, vectorID, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// CountTradeRecords returns how many records exist per source.
func (s *Store) CountTradeRecords() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM trade_records GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}
