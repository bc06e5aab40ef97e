package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradewatch/tradewatch/internal/storage"
)

// Backend is the persistence the Store writes through to.
type Backend interface {
	InsertRule(r storage.RuleRow) error
	GetRule(id string) (storage.RuleRow, error)
	ListRules(enabledOnly bool) ([]storage.RuleRow, error)
	UpdateRule(r storage.RuleRow) error
	DeleteRule(id string) error
}

// Patch is a partial update. Nil fields are left unchanged; a rule's ID can
// never be patched.
type Patch struct {
	Name           *string            `json:"name,omitempty"`
	Query          *string            `json:"query,omitempty"`
	Condition      *Condition         `json:"trigger_condition,omitempty"`
	Keywords       *[]string          `json:"keywords,omitempty"`
	Threshold      *float64           `json:"threshold,omitempty"`
	ClearThreshold bool               `json:"clear_threshold,omitempty"`
	ThresholdField *string            `json:"threshold_field,omitempty"`
	Enabled        *bool              `json:"enabled,omitempty"`
	Priority       *Priority          `json:"priority,omitempty"`
	Cooldown       *Duration          `json:"cooldown,omitempty"`
	Filters        *map[string]string `json:"filters,omitempty"`
	Channels       *[]Channel         `json:"channels,omitempty"`
}

func (p Patch) apply(r *Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Query != nil {
		r.Query = *p.Query
	}
	if p.Condition != nil {
		r.Condition = *p.Condition
	}
	if p.Keywords != nil {
		r.Keywords = append([]string(nil), (*p.Keywords)...)
	}
	if p.ClearThreshold {
		r.Threshold = nil
	}
	if p.Threshold != nil {
		v := *p.Threshold
		r.Threshold = &v
	}
	if p.ThresholdField != nil {
		r.ThresholdField = *p.ThresholdField
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Cooldown != nil {
		r.Cooldown = *p.Cooldown
	}
	if p.Filters != nil {
		r.Filters = *p.Filters
	}
	if p.Channels != nil {
		r.Channels = append([]Channel(nil), (*p.Channels)...)
	}
}

// Store is the durable set of alert rules. Reads may run concurrently;
// writes are serialized.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	now     func() time.Time
	log     *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for rule warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a Store persisting to backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) warnInert(r Rule) {
	if reason := Inert(r); reason != "" {
		s.log.Warn("rule can never fire", "rule_id", r.ID, "reason", reason)
	}
}

// Add validates and stores a new rule after all existing rules.
func (s *Store) Add(r Rule) (Rule, error) {
	if err := Validate(r); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Second)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	row, err := toRow(r)
	if err != nil {
		return Rule{}, err
	}
	if err := s.backend.InsertRule(row); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Rule{}, &DuplicateRuleError{ID: r.ID}
		}
		return Rule{}, fmt.Errorf("storing rule %s: %w", r.ID, err)
	}
	s.warnInert(r)
	return r, nil
}

func (s *Store) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := s.backend.GetRule(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Rule{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return Rule{}, fmt.Errorf("loading rule %s: %w", id, err)
	}
	return fromRow(row)
}

// List returns rules in insertion order, optionally only the enabled ones.
func (s *Store) List(enabledOnly bool) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.backend.ListRules(enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	out := make([]Rule, 0, len(rows))
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Update applies patch to the stored rule and returns the result.
func (s *Store) Update(id string, patch Patch) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.backend.GetRule(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Rule{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return Rule{}, fmt.Errorf("loading rule %s: %w", id, err)
	}
	r, err := fromRow(row)
	if err != nil {
		return Rule{}, err
	}

	patch.apply(&r)
	if err := Validate(r); err != nil {
		return Rule{}, err
	}
	r.UpdatedAt = s.now().UTC().Truncate(time.Second)

	updated, err := toRow(r)
	if err != nil {
		return Rule{}, err
	}
	if err := s.backend.UpdateRule(updated); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Rule{}, &NotFoundError{ID: id}
		}
		return Rule{}, fmt.Errorf("updating rule %s: %w", id, err)
	}
	s.warnInert(r)
	return r, nil
}

// SetEnabled toggles a rule without touching its other fields.
func (s *Store) SetEnabled(id string, enabled bool) (Rule, error) {
	return s.Update(id, Patch{Enabled: &enabled})
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.DeleteRule(id)
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("removing rule %s: %w", id, err)
	}
	return nil
}

func toRow(r Rule) (storage.RuleRow, error) {
	keywords, err := json.Marshal(nonNil(r.Keywords))
	if err != nil {
		return storage.RuleRow{}, fmt.Errorf("encoding keywords: %w", err)
	}
	filters := r.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return storage.RuleRow{}, fmt.Errorf("encoding filters: %w", err)
	}
	channels := r.Channels
	if channels == nil {
		channels = []Channel{}
	}
	channelsJSON, err := json.Marshal(channels)
	if err != nil {
		return storage.RuleRow{}, fmt.Errorf("encoding channels: %w", err)
	}
	return storage.RuleRow{
		ID:             r.ID,
		Name:           r.Name,
		Query:          r.Query,
		Condition:      string(r.Condition),
		KeywordsJSON:   string(keywords),
		Threshold:      r.Threshold,
		ThresholdField: r.ThresholdField,
		Enabled:        r.Enabled,
		Priority:       string(r.Priority),
		CooldownSecs:   int64(time.Duration(r.Cooldown) / time.Second),
		FiltersJSON:    string(filtersJSON),
		ChannelsJSON:   string(channelsJSON),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func fromRow(row storage.RuleRow) (Rule, error) {
	r := Rule{
		ID:             row.ID,
		Name:           row.Name,
		Query:          row.Query,
		Condition:      Condition(row.Condition),
		Threshold:      row.Threshold,
		ThresholdField: row.ThresholdField,
		Enabled:        row.Enabled,
		Priority:       Priority(row.Priority),
		Cooldown:       Duration(time.Duration(row.CooldownSecs) * time.Second),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.KeywordsJSON), &r.Keywords); err != nil {
		return Rule{}, fmt.Errorf("decoding keywords of rule %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.FiltersJSON), &r.Filters); err != nil {
		return Rule{}, fmt.Errorf("decoding filters of rule %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ChannelsJSON), &r.Channels); err != nil {
		return Rule{}, fmt.Errorf("decoding channels of rule %s: %w", row.ID, err)
	}
	if len(r.Keywords) == 0 {
		r.Keywords = nil
	}
	if len(r.Filters) == 0 {
		r.Filters = nil
	}
	if len(r.Channels) == 0 {
		r.Channels = nil
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
