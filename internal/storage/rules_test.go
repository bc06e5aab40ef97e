package storage

import (
	"errors"
	"testing"
	"time"
)

func testRule(id string) RuleRow {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return RuleRow{
		ID:           id,
		Name:         "Rule " + id,
		Query:        "Any new suppliers for HS 950300?",
		Condition:    "data_found",
		KeywordsJSON: "[]",
		Enabled:      true,
		Priority:     "medium",
		FiltersJSON:  "{}",
		ChannelsJSON: "[]",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestInsertAndGetRule(t *testing.T) {
	s := openTestStore(t)

	r := testRule("r1")
	th := 12.5
	r.Threshold = &th
	r.ThresholdField = "value"
	r.CooldownSecs = 3600
	if err := s.InsertRule(r); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	got, err := s.GetRule("r1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Name != r.Name || got.Query != r.Query || got.Condition != r.Condition {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.Threshold == nil || *got.Threshold != 12.5 {
		t.Errorf("Threshold = %v, want 12.5", got.Threshold)
	}
	if got.CooldownSecs != 3600 {
		t.Errorf("CooldownSecs = %d, want 3600", got.CooldownSecs)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestInsertRule_Duplicate(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertRule(testRule("dup")); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}
	err := s.InsertRule(testRule("dup"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second InsertRule error = %v, want ErrConflict", err)
	}
}

func TestGetRule_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetRule("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule error = %v, want ErrNotFound", err)
	}
}

func TestListRules_InsertionOrder(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.InsertRule(testRule(id)); err != nil {
			t.Fatalf("InsertRule %s: %v", id, err)
		}
	}

	rows, err := s.ListRules(false)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	if len(rows) != len(want) {
		t.Fatalf("got %d rules, want %d", len(rows), len(want))
	}
	for i, id := range want {
		if rows[i].ID != id {
			t.Errorf("rows[%d].ID = %q, want %q", i, rows[i].ID, id)
		}
	}
}

func TestListRules_EnabledOnly(t *testing.T) {
	s := openTestStore(t)

	on := testRule("on")
	off := testRule("off")
	off.Enabled = false
	for _, r := range []RuleRow{off, on} {
		if err := s.InsertRule(r); err != nil {
			t.Fatalf("InsertRule: %v", err)
		}
	}

	rows, err := s.ListRules(true)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "on" {
		t.Errorf("ListRules(true) = %+v, want only %q", rows, "on")
	}
}

func TestUpdateRule_KeepsPosition(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := s.InsertRule(testRule(id)); err != nil {
			t.Fatalf("InsertRule: %v", err)
		}
	}

	r := testRule("a")
	r.Name = "renamed"
	r.Threshold = nil
	if err := s.UpdateRule(r); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}

	rows, err := s.ListRules(false)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if rows[0].ID != "a" || rows[0].Name != "renamed" {
		t.Errorf("rows[0] = %+v, want renamed rule a first", rows[0])
	}
}

func TestUpdateAndDeleteRule_NotFound(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpdateRule(testRule("ghost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRule error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRule("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRule error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRule(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertRule(testRule("gone")); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}
	if err := s.DeleteRule("gone"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := s.GetRule("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule after delete = %v, want ErrNotFound", err)
	}
}
