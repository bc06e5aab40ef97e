package rules

import "fmt"

// DuplicateRuleError is returned by Add when the rule ID is already stored.
type DuplicateRuleError struct {
	ID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule %q already exists", e.ID)
}

// NotFoundError is returned when an operation names a rule that is not stored.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule %q not found", e.ID)
}

// ConfigurationError reports a rule with missing or invalid fields.
type ConfigurationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	id := e.RuleID
	if id == "" {
		id = "<unnamed>"
	}
	if e.Field == "" {
		return fmt.Sprintf("invalid rule %s: %s", id, e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: field %s: %s", id, e.Field, e.Reason)
}
