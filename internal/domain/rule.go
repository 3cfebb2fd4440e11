package domain

// GlobalTenantID owns rules that apply to every tenant.
const GlobalTenantID = "*"

// RuleConfig defines an account rule. Rules run after scoring and only
// explain results; they never change scores, flags or rings.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression evaluated against one scored account
	Expression string `json:"expression"`

	// Outcome bands for value-to-outcome mapping
	Bands []RuleBand `json:"bands"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleBand maps a value range to an outcome. Lower is inclusive, upper exclusive.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	SubRuleRef string   `json:"subRuleRef"` // e.g., ".pass", ".fail", ".review"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of a rule evaluation for one account.
type RuleResult struct {
	RuleID     string  `json:"ruleId"`
	AccountID  string  `json:"accountId"`
	SubRuleRef string  `json:"subRuleRef"` // ".pass", ".fail", ".review", ".err"
	Value      float64 `json:"value"`
	Reason     string  `json:"reason"`
}

// IsAlert reports whether the result should surface on the risk summary.
func (r RuleResult) IsAlert() bool {
	return r.SubRuleRef == RuleOutcomeFail || r.SubRuleRef == RuleOutcomeReview
}

// Predefined rule outcomes
const (
	RuleOutcomePass   = ".pass"
	RuleOutcomeFail   = ".fail"
	RuleOutcomeReview = ".review"
	RuleOutcomeError  = ".err"
)
