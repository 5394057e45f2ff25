package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules returns the indicator rules a tenant starts with.
func DefaultRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "round-amount",
			Name:        "Round amount",
			Description: "Large payment in exact thousands",
			Version:     "1.0.0",
			Expression:  "amount >= 10000.0 && amount == double(int(amount)) && int(amount) % 1000 == 0",
			Severity:    domain.SeverityMedium,
			Reason:      "large round-number amount",
			Enabled:     true,
		},
		{
			ID:          "extreme-amount",
			Name:        "Extreme amount",
			Description: "Amount more than three deviations from the baseline",
			Version:     "1.0.0",
			Expression:  "amount_zscore > 3.0 ? amount_zscore : 0.0",
			Severity:    domain.SeverityHigh,
			Reason:      "amount far outside the usual range",
			Enabled:     true,
		},
		{
			ID:          "new-payee-large",
			Name:        "Large payment to new payee",
			Description: "First payment to a payee that is also above the usual amount",
			Version:     "1.0.0",
			Expression:  "payee_novelty == 1.0 && amount_zscore > 2.0",
			Severity:    domain.SeverityMedium,
			Reason:      "large first-time payment to this payee",
			Enabled:     true,
		},
		{
			ID:          "off-hours",
			Name:        "Off-hours activity",
			Description: "Transaction between 22:00 and 06:00 UTC",
			Version:     "1.0.0",
			Expression:  "hour < 6 || hour >= 22",
			Severity:    domain.SeverityLow,
			Reason:      "recorded outside business hours",
			Enabled:     true,
		},
		{
			ID:          "weekend",
			Name:        "Weekend processing",
			Description: "Transaction dated on a Saturday or Sunday",
			Version:     "1.0.0",
			Expression:  "weekday == 0 || weekday == 6",
			Severity:    domain.SeverityLow,
			Reason:      "processed on a weekend",
			Enabled:     true,
		},
		{
			ID:          "non-positive-amount",
			Name:        "Non-positive amount",
			Description: "Zero or negative amount",
			Version:     "1.0.0",
			Expression:  "amount <= 0.0",
			Severity:    domain.SeverityHigh,
			Reason:      "zero or negative amount",
			Enabled:     true,
		},
	}
}
