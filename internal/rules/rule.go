package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition is the predicate class that judges an oracle response.
type Condition string

const (
	DataFound         Condition = "data_found"
	ThresholdExceeded Condition = "threshold_exceeded"
	KeywordMatch      Condition = "keyword_match"
	Anomaly           Condition = "anomaly"
)

// Conditions lists every supported trigger condition.
var Conditions = []Condition{DataFound, ThresholdExceeded, KeywordMatch, Anomaly}

// Priority only affects notification routing and formatting.
type Priority string

const (
	Low      Priority = "low"
	Medium   Priority = "medium"
	High     Priority = "high"
	Critical Priority = "critical"
)

// Channel names a notification transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// DefaultThresholdField is the structured fact consulted by threshold rules
// that do not name one.
const DefaultThresholdField = "count"

// Rule is a saved natural-language query plus the condition under which its
// answer should raise an alert.
//
// Only one of Keywords and Threshold is meaningful for a given Condition; the
// other is stored as given and ignored during evaluation.
type Rule struct {
	ID             string            `json:"rule_id" yaml:"rule_id" validate:"required,max=128,ruleid"`
	Name           string            `json:"name" yaml:"name" validate:"required,max=256"`
	Query          string            `json:"query" yaml:"query" validate:"required"`
	Condition      Condition         `json:"trigger_condition" yaml:"trigger_condition" validate:"required,oneof=data_found threshold_exceeded keyword_match anomaly"`
	Keywords       []string          `json:"keywords,omitempty" yaml:"keywords,omitempty" validate:"dive,required"`
	Threshold      *float64          `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ThresholdField string            `json:"threshold_field,omitempty" yaml:"threshold_field,omitempty"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	Priority       Priority          `json:"priority" yaml:"priority" validate:"required,oneof=low medium high critical"`
	Cooldown       Duration          `json:"cooldown,omitempty" yaml:"cooldown,omitempty" validate:"gte=0"`
	Filters        map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`
	Channels       []Channel         `json:"channels,omitempty" yaml:"channels,omitempty" validate:"dive,oneof=email chat"`
	CreatedAt      time.Time         `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt      time.Time         `json:"updated_at,omitzero" yaml:"-"`
}

// withDefaults returns a Rule carrying the values assumed when a rule file
// omits a field.
func withDefaults() Rule {
	return Rule{
		Condition: DataFound,
		Enabled:   true,
		Priority:  Medium,
	}
}

// UnmarshalJSON applies file defaults (enabled, data_found, medium) before
// decoding.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	p := plain(withDefaults())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	type plain Rule
	p := plain(withDefaults())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// CooldownOr returns the rule's cooldown, or def when the rule leaves it unset.
func (r Rule) CooldownOr(def time.Duration) time.Duration {
	if r.Cooldown > 0 {
		return time.Duration(r.Cooldown)
	}
	return def
}

// FactField returns the structured fact a threshold rule compares.
func (r Rule) FactField() string {
	if r.ThresholdField != "" {
		return r.ThresholdField
	}
	return DefaultThresholdField
}

// WantsChannel reports whether notifications for this rule go to ch. A rule
// with no channel list goes to every configured channel.
func (r Rule) WantsChannel(ch Channel) bool {
	if len(r.Channels) == 0 {
		return true
	}
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Duration is a time.Duration written as a Go duration string ("24h") in JSON
// and YAML. Bare numbers are read as seconds.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}
