package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const ruleColumns = `id, name, query, condition, keywords_json, threshold, threshold_field,
	enabled, priority, cooldown_secs, filters_json, channels_json, created_at, updated_at`

// InsertRule appends a rule after all existing ones. Returns ErrConflict when
// the ID is already present.
func (s *Store) InsertRule(r RuleRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM alert_rules WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking rule %s: %w", r.ID, err)
	}
	if exists > 0 {
		return ErrConflict
	}

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM alert_rules`).Scan(&seq); err != nil {
		return fmt.Errorf("allocating rule sequence: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO alert_rules (seq, `+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, r.ID, r.Name, r.Query, r.Condition, r.KeywordsJSON, nullFloat(r.Threshold), r.ThresholdField,
		boolToInt(r.Enabled), r.Priority, r.CooldownSecs, r.FiltersJSON, r.ChannelsJSON,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting rule %s: %w", r.ID, err)
	}
	return tx.Commit()
}

func (s *Store) GetRule(id string) (RuleRow, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return RuleRow{}, ErrNotFound
	}
	return r, err
}

// ListRules returns rules in insertion order.
func (s *Store) ListRules(enabledOnly bool) ([]RuleRow, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RuleRow
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpdateRule overwrites every mutable column of an existing rule. The
// sequence and created_at are preserved.
func (s *Store) UpdateRule(r RuleRow) error {
	res, err := s.db.Exec(`
		UPDATE alert_rules SET name = ?, query = ?, condition = ?, keywords_json = ?, threshold = ?,
			threshold_field = ?, enabled = ?, priority = ?, cooldown_secs = ?, filters_json = ?,
			channels_json = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Query, r.Condition, r.KeywordsJSON, nullFloat(r.Threshold),
		r.ThresholdField, boolToInt(r.Enabled), r.Priority, r.CooldownSecs, r.FiltersJSON,
		r.ChannelsJSON, r.UpdatedAt.UTC().Format(time.RFC3339), r.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) DeleteRule(id string) error {
	res, err := s.db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(sc rowScanner) (RuleRow, error) {
	var r RuleRow
	var threshold sql.NullFloat64
	var enabled int
	var createdAt, updatedAt string
	err := sc.Scan(&r.ID, &r.Name, &r.Query, &r.Condition, &r.KeywordsJSON, &threshold, &r.ThresholdField,
		&enabled, &r.Priority, &r.CooldownSecs, &r.FiltersJSON, &r.ChannelsJSON, &createdAt, &updatedAt)
	if err != nil {
		return RuleRow{}, err
	}
	if threshold.Valid {
		v := threshold.Float64
		r.Threshold = &v
	}
	r.Enabled = enabled != 0
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return RuleRow{}, fmt.Errorf("parsing created_at for rule %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return RuleRow{}, fmt.Errorf("parsing updated_at for rule %s: %w", r.ID, err)
	}
	return r, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
