package rules

import "github.com/opensource-finance/heron/internal/domain"

func limit(v float64) *float64 { return &v }

// BuiltinRules returns the starter rule set seeded into an empty rule store.
// Operators edit or disable them through the rules API.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "multi-pattern",
			TenantID:    domain.GlobalTenantID,
			Name:        "Multiple laundering patterns",
			Description: "Account implicated by two or more detectors",
			Version:     "1.0.0",
			Expression:  "size(flags)",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(2), SubRuleRef: domain.RuleOutcomePass, Reason: "single pattern"},
				{LowerLimit: limit(2), UpperLimit: limit(3), SubRuleRef: domain.RuleOutcomeReview, Reason: "two laundering patterns"},
				{LowerLimit: limit(3), SubRuleRef: domain.RuleOutcomeFail, Reason: "all laundering patterns"},
			},
			Enabled: true,
		},
		{
			ID:          "full-pass-through",
			TenantID:    domain.GlobalTenantID,
			Name:        "Funds forwarded in full",
			Description: "Pass-through account that sends on at least 90% of what it receives",
			Version:     "1.0.0",
			Expression:  "is_pass_through && total_in > 0.0 && total_out >= 0.9 * total_in",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(1), SubRuleRef: domain.RuleOutcomePass, Reason: "retains funds"},
				{LowerLimit: limit(1), SubRuleRef: domain.RuleOutcomeReview, Reason: "forwards nearly all incoming funds"},
			},
			Enabled: true,
		},
		{
			ID:          "large-ring",
			TenantID:    domain.GlobalTenantID,
			Name:        "Large ring membership",
			Description: "Account belongs to a ring of eight or more accounts",
			Version:     "1.0.0",
			Expression:  "ring_size",
			Bands: []domain.RuleBand{
				{UpperLimit: limit(8), SubRuleRef: domain.RuleOutcomePass, Reason: "small or no ring"},
				{LowerLimit: limit(8), SubRuleRef: domain.RuleOutcomeReview, Reason: "member of a large ring"},
			},
			Enabled: true,
		},
	}
}
