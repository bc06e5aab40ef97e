package rules

import "errors"

// DefaultRules returns the starter rule set seeded into an empty store.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "new_competitor_suppliers",
			Name:      "New Suppliers to Competitors",
			Query:     "Have any new suppliers shipped to MyCompetitor LLC in the last 24 hours?",
			Condition: DataFound,
			Enabled:   true,
			Priority:  High,
		},
		{
			ID:        "volume_drop",
			Name:      "Main Supplier Volume Drop",
			Query:     "Has the import volume from MyMainSupplier dropped by more than 20% this month compared to last month?",
			Condition: KeywordMatch,
			Keywords:  []string{"yes", "dropped", "decrease", "declined"},
			Enabled:   true,
			Priority:  Critical,
		},
		{
			ID:        "new_buyers_hs950300",
			Name:      "New Buyers for HS 950300",
			Query:     "List any new buyers for HS code 950300 in Poland in the last 7 days.",
			Condition: DataFound,
			Enabled:   true,
			Priority:  Medium,
			Filters:   map[string]string{"hs_code": "950300"},
		},
		{
			ID:        "competitor_activity",
			Name:      "Competitor Shipment Activity",
			Query:     "Show all shipments received by any of my tracked competitors in the last 24 hours.",
			Condition: DataFound,
			Enabled:   true,
			Priority:  Medium,
		},
		{
			ID:        "price_changes",
			Name:      "Significant Price Changes",
			Query:     "Have there been any significant changes (>15%) in average import values for tracked HS codes this month?",
			Condition: KeywordMatch,
			Keywords:  []string{"yes", "increased", "decreased", "change"},
			Enabled:   true,
			Priority:  High,
		},
	}
}

// Seed adds every default rule that is not already present and returns the
// IDs that were added.
func (s *Store) Seed() ([]string, error) {
	var added []string
	for _, r := range DefaultRules() {
		_, err := s.Add(r)
		var dup *DuplicateRuleError
		if errors.As(err, &dup) {
			continue
		}
		if err != nil {
			return added, err
		}
		added = append(added, r.ID)
	}
	return added, nil
}
