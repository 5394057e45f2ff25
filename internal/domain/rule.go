package domain

// RuleConfig defines a CEL risk-indicator rule.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression evaluated against the transaction and its features.
	// Must return bool, int or double; true or a positive number triggers.
	Expression string `json:"expression"`

	// Severity attached to the indicator when triggered
	Severity Severity `json:"severity"`

	// Reason shown to reviewers when triggered
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// RiskIndicator is a triggered rule attached to a flagged item.
type RiskIndicator struct {
	RuleID    string   `json:"ruleId"`
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Reason    string   `json:"reason"`
	Value     float64  `json:"value"`
	ProcessMs int64    `json:"processMs"`
}
