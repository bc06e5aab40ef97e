package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewatch/tradewatch/internal/storage"
)

// Event is one evaluation outcome for one rule. Events are never modified
// after they are appended.
type Event struct {
	ID             string    `json:"event_id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	QuerySent      string    `json:"query_sent"`
	AnswerReceived string    `json:"answer_received"`
	Fired          bool      `json:"fired"`
	Reason         string    `json:"reason"`
	NumSources     int       `json:"num_sources"`
}

// Backend is the durable side of the log.
type Backend interface {
	AppendEvent(e storage.EventRow) error
	ListEvents(f storage.EventFilter) ([]storage.EventRow, error)
	LastFiredTimes() (map[string]time.Time, error)
}

// Log is the append-only alert history with an in-memory index of the last
// firing per rule, used for cooldown checks.
type Log struct {
	backend Backend

	mu        sync.RWMutex
	lastFired map[string]time.Time
}

// Open builds the last-fired index from the backend.
func Open(backend Backend) (*Log, error) {
	last, err := backend.LastFiredTimes()
	if err != nil {
		return nil, fmt.Errorf("loading last-fired index: %w", err)
	}
	return &Log{backend: backend, lastFired: last}, nil
}

// SuppressedReason replaces the trigger reason of a firing that fell inside
// the rule's cooldown window.
const SuppressedReason = "suppressed_cooldown"

// Append persists e and, when it fired, advances the rule's last-fired time.
// An empty ID is replaced with a fresh UUID; the stored event is returned.
func (l *Log) Append(e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

// Record appends e like Append, but first demotes a firing event to a
// non-firing one with reason "suppressed_cooldown" when its rule fired less
// than cooldown ago. The check and the append happen under one lock, so two
// concurrent cycles cannot both fire the same rule.
func (l *Log) Record(e Event, cooldown time.Duration) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Fired {
		if last, ok := l.lastFired[e.RuleID]; ok && e.Timestamp.Sub(last) < cooldown {
			e.Fired = false
			e.Reason = SuppressedReason
		}
	}
	return l.appendLocked(e)
}

func (l *Log) appendLocked(e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = e.Timestamp.UTC()

	if err := l.backend.AppendEvent(toRow(e)); err != nil {
		return Event{}, err
	}
	if e.Fired {
		if prev, ok := l.lastFired[e.RuleID]; !ok || e.Timestamp.After(prev) {
			l.lastFired[e.RuleID] = e.Timestamp
		}
	}
	return e, nil
}

// ShouldSuppress reports whether a firing of ruleID at now falls inside the
// cooldown window of its previous firing. A firing exactly cooldown after the
// previous one is allowed.
func (l *Log) ShouldSuppress(ruleID string, now time.Time, cooldown time.Duration) bool {
	l.mu.RLock()
	last, ok := l.lastFired[ruleID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return now.Sub(last) < cooldown
}

// LastFired returns the time ruleID last fired.
func (l *Log) LastFired(ruleID string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastFired[ruleID]
	return t, ok
}

// Query narrows List.
type Query struct {
	RuleID    string
	FiredOnly bool
	Since     time.Time
	Limit     int
}

// List returns events newest first.
func (l *Log) List(q Query) ([]Event, error) {
	rows, err := l.backend.ListEvents(storage.EventFilter{
		RuleID:    q.RuleID,
		FiredOnly: q.FiredOnly,
		Since:     q.Since,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func toRow(e Event) storage.EventRow {
	return storage.EventRow{
		ID:             e.ID,
		RuleID:         e.RuleID,
		RuleName:       e.RuleName,
		Priority:       e.Priority,
		Timestamp:      e.Timestamp,
		QuerySent:      e.QuerySent,
		AnswerReceived: e.AnswerReceived,
		Fired:          e.Fired,
		Reason:         e.Reason,
		NumSources:     e.NumSources,
	}
}

func fromRow(r storage.EventRow) Event {
	return Event{
		ID:             r.ID,
		RuleID:         r.RuleID,
		RuleName:       r.RuleName,
		Priority:       r.Priority,
		Timestamp:      r.Timestamp,
		QuerySent:      r.QuerySent,
		AnswerReceived: r.AnswerReceived,
		Fired:          r.Fired,
		Reason:         r.Reason,
		NumSources:     r.NumSources,
	}
}
