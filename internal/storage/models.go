package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when inserting a record whose primary key is taken.
var ErrConflict = errors.New("already exists")

// RuleRow is the persisted form of an alert rule. JSON columns are kept as
// text; the rules package owns their decoding.
type RuleRow struct {
	ID             string
	Name           string
	Query          string
	Condition      string
	KeywordsJSON   string
	Threshold      *float64
	ThresholdField string
	Enabled        bool
	Priority       string
	CooldownSecs   int64
	FiltersJSON    string
	ChannelsJSON   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventRow is one entry of the append-only alert history.
type EventRow struct {
	ID             string
	RuleID         string
	RuleName       string
	Priority       string
	Timestamp      time.Time
	QuerySent      string
	AnswerReceived string
	Fired          bool
	Reason         string
	NumSources     int
}

// EventFilter narrows ListEvents. Zero values mean "no restriction".
type EventFilter struct {
	RuleID    string
	FiredOnly bool
	Since     time.Time
	Limit     int
}

// TradeRecord is a raw provider record waiting for (or done with) ETL.
type TradeRecord struct {
	ID          string
	Source      string // "comtrade", "bill_of_lading", "document"
	HSCode      string
	RecordDate  string
	PayloadJSON string
	CreatedAt   time.Time
	VectorID    string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
