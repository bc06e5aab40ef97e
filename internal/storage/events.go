package storage

import (
	"fmt"
	"strings"
	"time"
)

// AppendEvent inserts a history entry. Entries are never updated or deleted.
func (s *Store) AppendEvent(e EventRow) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_events (id, rule_id, rule_name, priority, ts_unix_nano, query_sent, answer_received, fired, reason, num_sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, e.RuleName, e.Priority, e.Timestamp.UTC().UnixNano(), e.QuerySent,
		e.AnswerReceived, boolToInt(e.Fired), e.Reason, e.NumSources,
	)
	if err != nil {
		return fmt.Errorf("appending event %s: %w", e.ID, err)
	}
	return nil
}

// ListEvents returns history entries newest first.
func (s *Store) ListEvents(f EventFilter) ([]EventRow, error) {
	var where []string
	var args []any
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.FiredOnly {
		where = append(where, "fired = 1")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_unix_nano >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}

	query := `SELECT id, rule_id, rule_name, priority, ts_unix_nano, query_sent, answer_received, fired, reason, num_sources
		FROM alert_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_unix_nano DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EventRow
	for rows.Next() {
		var e EventRow
		var ts int64
		var fired int
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.Priority, &ts, &e.QuerySent,
			&e.AnswerReceived, &fired, &e.Reason, &e.NumSources); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Fired = fired != 0
		results = append(results, e)
	}
	return results, rows.Err()
}

// LastFiredTimes returns, per rule, the timestamp of its most recent fired
// event. Rules that never fired are absent.
func (s *Store) LastFiredTimes() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT rule_id, MAX(ts_unix_nano) FROM alert_events WHERE fired = 1 GROUP BY rule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var ruleID string
		var ts int64
		if err := rows.Scan(&ruleID, &ts); err != nil {
			return nil, err
		}
		result[ruleID] = time.Unix(0, ts).UTC()
	}
	return result, rows.Err()
}

// CountEvents returns the total and fired number of history entries.
func (s *Store) CountEvents() (total, fired int, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(fired), 0) FROM alert_events`).Scan(&total, &fired)
	return total, fired, err
}
