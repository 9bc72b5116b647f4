package contracts

import "time"

// PolicyDecision is the verdict a rule produces.
type PolicyDecision string

const (
	DecisionAllow      PolicyDecision = "allow"
	DecisionDeny       PolicyDecision = "deny"
	DecisionApprove    PolicyDecision = "approve"
	DecisionQuarantine PolicyDecision = "quarantine"
)

// PolicyStatus is draft or published. At most one published policy per tenant.
type PolicyStatus string

const (
	PolicyDraft     PolicyStatus = "draft"
	PolicyPublished PolicyStatus = "published"
)

// TimeWindowUTC restricts a rule to UTC hours. startHour >= endHour wraps
// across midnight.
type TimeWindowUTC struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// RuleMatch predicates combine by AND. Empty fields match everything.
type RuleMatch struct {
	ToolIDs           []string       `json:"toolIds,omitempty"`
	Operations        []string       `json:"operations,omitempty"`
	TargetContains    string         `json:"targetContains,omitempty"`
	RiskTiers         []RiskTier     `json:"riskTiers,omitempty"`
	Environments      []string       `json:"environments,omitempty"`
	RequiredDataTypes []string       `json:"requiredDataTypes,omitempty"`
	TimeWindowUTC     *TimeWindowUTC `json:"timeWindowUtc,omitempty"`
}

// PolicyRule is a single match/decision rule. Higher priority wins.
type PolicyRule struct {
	ID          string         `json:"id"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority"`
	Match       RuleMatch      `json:"match"`
	Decision    PolicyDecision `json:"decision"`
}

// Policy is a tenant-scoped ordered rule set.
type Policy struct {
	PolicyID  string       `json:"policyId"`
	TenantID  string       `json:"tenantId"`
	Version   int          `json:"version"`
	Status    PolicyStatus `json:"status"`
	Rules     []PolicyRule `json:"rules"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
