// Package contracts defines the domain records shared across OARS services.
// Records reference each other by id only; traversal happens via the store.
package contracts

import "time"

// ActionState is the lifecycle state of a proposed action.
type ActionState string

const (
	ActionRequested        ActionState = "requested"
	ActionDenied           ActionState = "denied"
	ActionApprovalRequired ActionState = "approval_required"
	ActionApproved         ActionState = "approved"
	ActionExecuted         ActionState = "executed"
	ActionFailed           ActionState = "failed"
	ActionQuarantined      ActionState = "quarantined"
	ActionCanceled         ActionState = "canceled"
)

// Actor identifies who proposed the action, including any delegation chain.
type Actor struct {
	UserID          string   `json:"userId,omitempty"`
	AgentID         string   `json:"agentId,omitempty"`
	ServiceID       string   `json:"serviceId,omitempty"`
	DelegationChain []string `json:"delegationChain,omitempty"`
}

// Resource is the tool operation the actor wants to perform.
type Resource struct {
	ToolID    string `json:"toolId"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

// ActionContext carries environment metadata used by policy evaluation.
type ActionContext struct {
	Environment string    `json:"environment,omitempty"`
	DataTypes   []string  `json:"dataTypes,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// PolicyOutcome snapshots the decision applied to an action.
type PolicyOutcome struct {
	Decision      PolicyDecision `json:"decision"`
	PolicySetID   string         `json:"policySetId"`
	PolicyVersion int            `json:"policyVersion"`
	RuleIDs       []string       `json:"ruleIds,omitempty"`
	Rationale     string         `json:"rationale"`
}

// Action is the central record of the pipeline. Created on submit, mutated by
// the ActionService only, never deleted.
type Action struct {
	ActionID      string         `json:"actionId"`
	TenantID      string         `json:"tenantId"`
	State         ActionState    `json:"state"`
	Actor         Actor          `json:"actor"`
	Resource      Resource       `json:"resource"`
	Input         map[string]any `json:"input,omitempty"`
	Context       ActionContext  `json:"context"`
	PolicyOutcome *PolicyOutcome `json:"policyOutcome,omitempty"`
	Risk          *RiskSnapshot  `json:"risk,omitempty"`
	ApprovalID    string         `json:"approvalId,omitempty"`
	ReceiptIDs    []string       `json:"receiptIds"`
	LastError     string         `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// RiskSnapshot is the deterministic risk evaluation of a resource.
type RiskSnapshot struct {
	Score   int      `json:"score"`
	Tier    RiskTier `json:"tier"`
	Signals []string `json:"signals,omitempty"`
}

// RiskTier buckets a risk score.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)
