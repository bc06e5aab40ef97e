package history

import (
	"errors"
	"testing"
	"time"

	"github.com/tradewatch/tradewatch/internal/storage"
)

func openTestLog(t *testing.T) (*Log, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, db
}

var t0 = time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC)

func TestShouldSuppress_Boundaries(t *testing.T) {
	l, _ := openTestLog(t)
	cooldown := 24 * time.Hour

	if l.ShouldSuppress("r1", t0, cooldown) {
		t.Error("rule with no history must not be suppressed")
	}

	if _, err := l.Append(Event{RuleID: "r1", Timestamp: t0, QuerySent: "q", Fired: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if !l.ShouldSuppress("r1", t0.Add(time.Hour), cooldown) {
		t.Error("firing 1h after previous should be suppressed")
	}
	if !l.ShouldSuppress("r1", t0.Add(cooldown-time.Nanosecond), cooldown) {
		t.Error("firing just inside the window should be suppressed")
	}
	if l.ShouldSuppress("r1", t0.Add(cooldown), cooldown) {
		t.Error("firing exactly at the cooldown boundary must not be suppressed")
	}
	if l.ShouldSuppress("r2", t0.Add(time.Minute), cooldown) {
		t.Error("cooldown must be tracked per rule")
	}
}

func TestShouldSuppress_IgnoresNonFiredEvents(t *testing.T) {
	l, _ := openTestLog(t)

	if _, err := l.Append(Event{RuleID: "r1", Timestamp: t0, QuerySent: "q", Reason: "condition_not_met"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if l.ShouldSuppress("r1", t0.Add(time.Minute), time.Hour) {
		t.Error("non-firing events must not start a cooldown")
	}
}

func TestOpen_RebuildsIndexFromStore(t *testing.T) {
	l, db := openTestLog(t)

	if _, err := l.Append(Event{RuleID: "r1", Timestamp: t0, QuerySent: "q", Fired: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(Event{RuleID: "r1", Timestamp: t0.Add(2 * time.Hour), QuerySent: "q", Fired: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	last, ok := reopened.LastFired("r1")
	if !ok || !last.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("LastFired = %v, %v; want %v", last, ok, t0.Add(2*time.Hour))
	}
	if !reopened.ShouldSuppress("r1", t0.Add(3*time.Hour), 24*time.Hour) {
		t.Error("reopened log lost the cooldown state")
	}
}

func TestAppend_AssignsIDAndLists(t *testing.T) {
	l, _ := openTestLog(t)

	e, err := l.Append(Event{RuleID: "r1", Timestamp: t0, QuerySent: "q", AnswerReceived: "a", Reason: "oracle_error: timeout"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" {
		t.Fatal("Append did not assign an event ID")
	}

	events, err := l.List(Query{RuleID: "r1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 || events[0].ID != e.ID || events[0].Reason != "oracle_error: timeout" {
		t.Errorf("List = %+v", events)
	}
}

type failingBackend struct{}

func (failingBackend) AppendEvent(storage.EventRow) error { return errors.New("disk full") }
func (failingBackend) ListEvents(storage.EventFilter) ([]storage.EventRow, error) {
	return nil, nil
}
func (failingBackend) LastFiredTimes() (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

func TestAppend_FailureDoesNotAdvanceIndex(t *testing.T) {
	l, err := Open(failingBackend{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(Event{RuleID: "r1", Timestamp: t0, Fired: true}); err == nil {
		t.Fatal("expected append error")
	}
	if _, ok := l.LastFired("r1"); ok {
		t.Error("index advanced although the event was not persisted")
	}
}

func TestRecord_DemotesFiringInsideCooldown(t *testing.T) {
	l, _ := openTestLog(t)

	first, err := l.Record(Event{RuleID: "r1", Timestamp: t0, QuerySent: "q", Fired: true, Reason: "data_found: 1 sources"}, time.Hour)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !first.Fired {
		t.Fatal("first firing was suppressed")
	}

	second, err := l.Record(Event{RuleID: "r1", Timestamp: t0.Add(30 * time.Minute), QuerySent: "q", Fired: true, Reason: "data_found: 1 sources"}, time.Hour)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.Fired || second.Reason != SuppressedReason {
		t.Errorf("second = fired:%v reason:%q, want suppressed", second.Fired, second.Reason)
	}

	third, err := l.Record(Event{RuleID: "r1", Timestamp: t0.Add(time.Hour), QuerySent: "q", Fired: true, Reason: "data_found: 1 sources"}, time.Hour)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !third.Fired {
		t.Error("firing at the cooldown boundary was suppressed")
	}

	events, err := l.List(Query{RuleID: "r1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want all 3 evaluations logged", len(events))
	}
}
