package model

// Band classifies a validation score.
type Band string

const (
	BandReady       Band = "ready"
	BandMinor       Band = "minor_issues"
	BandSignificant Band = "significant_gaps"
	BandUrgent      Band = "urgent"
)

// Issue is one problem found by validation.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckResult is one weighted completeness check.
type CheckResult struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	Ratio        float64 `json:"ratio"`
	Contribution float64 `json:"contribution"`
	Passed       bool    `json:"passed"`
}

// ValidationResult is the outcome of one validation run. It carries no
// timestamp so identical inputs always produce identical results.
type ValidationResult struct {
	Score                  float64       `json:"validation_score"`
	IsValid                bool          `json:"is_valid"`
	Band                   Band          `json:"band"`
	Blocking               bool          `json:"blocking"`
	MissingFields          []string      `json:"missing_fields"`
	ValidationErrors       []Issue       `json:"validation_errors"`
	BusinessRuleViolations []Issue       `json:"business_rule_violations"`
	DataQualityIssues      []Issue       `json:"data_quality_issues"`
	Recommendations        []string      `json:"recommendations"`
	Checks                 []CheckResult `json:"checks"`
	Fingerprint            string        `json:"fingerprint,omitempty"`
}

// Summary projects the result for the ledger.
func (v ValidationResult) Summary() ValidationSummary {
	s := ValidationSummary{
		Score:         v.Score,
		Band:          v.Band,
		Blocking:      v.Blocking,
		IsValid:       v.IsValid,
		MissingFields: v.MissingFields,
		Errors:        len(v.ValidationErrors),
		Violations:    len(v.BusinessRuleViolations),
		QualityIssues: len(v.DataQualityIssues),
		Fingerprint:   v.Fingerprint,
	}
	if v.Band == BandUrgent {
		s.Priority = PriorityUrgent
	}
	return s
}

// FlaggedFields returns every field path the result wants corrected, in
// first-seen order.
func (v ValidationResult) FlaggedFields() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range v.MissingFields {
		add(f)
	}
	for _, groups := range [][]Issue{v.ValidationErrors, v.BusinessRuleViolations, v.DataQualityIssues} {
		for _, is := range groups {
			add(is.Field)
		}
	}
	return out
}
