package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile decodes a YAML or JSON rule list. Entries that fail validation are
// returned as *ConfigurationError in skipped; the valid ones are returned in
// file order. An error is returned only when the document itself is unreadable.
func ParseFile(data []byte) (valid []Rule, skipped []error, err error) {
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, nil, fmt.Errorf("parsing rule file: %w", err)
	}

	for i := range nodes {
		var r Rule
		if err := nodes[i].Decode(&r); err != nil {
			skipped = append(skipped, &ConfigurationError{
				Reason: fmt.Sprintf("entry %d (line %d): %v", i+1, nodes[i].Line, err),
			})
			continue
		}
		if err := Validate(r); err != nil {
			skipped = append(skipped, err)
			continue
		}
		valid = append(valid, r)
	}
	return valid, skipped, nil
}

// LoadFile reads rules from path. Invalid entries are logged and skipped.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	valid, skipped, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		slog.Warn("skipping invalid rule", "file", path, "error", e)
	}
	for _, r := range valid {
		if reason := Inert(r); reason != "" {
			slog.Warn("rule can never fire", "file", path, "rule_id", r.ID, "reason", reason)
		}
	}
	return valid, nil
}

// SaveFile writes rules to path, as JSON when the extension is .json and YAML
// otherwise.
func SaveFile(path string, rs []Rule) error {
	if rs == nil {
		rs = []Rule{}
	}
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(rs, "", "  ")
		data = append(data, '\n')
	} else {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(rs); err == nil {
			err = enc.Close()
		}
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ImportResult summarizes an Import call.
type ImportResult struct {
	Added   []string
	Updated []string
	Skipped []error
}

// Import loads rules from path into the store. Existing rules are replaced
// when replace is true and reported as skipped otherwise.
func (s *Store) Import(path string, replace bool) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("reading rule file: %w", err)
	}
	valid, skipped, err := ParseFile(data)
	if err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Skipped: skipped}
	for _, r := range valid {
		_, err := s.Add(r)
		var dup *DuplicateRuleError
		switch {
		case err == nil:
			res.Added = append(res.Added, r.ID)
		case errors.As(err, &dup) && replace:
			if _, err := s.Update(r.ID, replacement(r)); err != nil {
				res.Skipped = append(res.Skipped, err)
				continue
			}
			res.Updated = append(res.Updated, r.ID)
		default:
			res.Skipped = append(res.Skipped, err)
		}
	}
	for _, e := range res.Skipped {
		slog.Warn("rule not imported", "file", path, "error", e)
	}
	return res, nil
}

// replacement builds a patch that overwrites every mutable field with r's.
func replacement(r Rule) Patch {
	return Patch{
		Name:           &r.Name,
		Query:          &r.Query,
		Condition:      &r.Condition,
		Keywords:       &r.Keywords,
		ThresholdField: &r.ThresholdField,
		Enabled:        &r.Enabled,
		Priority:       &r.Priority,
		Cooldown:       &r.Cooldown,
		Filters:        &r.Filters,
		Channels:       &r.Channels,
		ClearThreshold: r.Threshold == nil,
		Threshold:      r.Threshold,
	}
}
