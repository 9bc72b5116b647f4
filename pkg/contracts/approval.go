package contracts

import "time"

// ApprovalStatus is the overall status of an approval workflow instance.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// StageMode controls how approvals within a stage are counted.
type StageMode string

const (
	StageSerial   StageMode = "serial"
	StageParallel StageMode = "parallel"
)

// ApprovalStage is one step of a multi-stage workflow.
type ApprovalStage struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Mode              StageMode `json:"mode"`
	RequiredApprovals int       `json:"requiredApprovals"`
	ApproverIDs       []string  `json:"approverIds,omitempty"` // empty = any approver
	SLASeconds        int       `json:"slaSeconds,omitempty"`
	EscalateTo        []string  `json:"escalateTo,omitempty"`
}

// ApprovalDecision is one approver's recorded decision.
type ApprovalDecision struct {
	StageID    string    `json:"stageId"`
	ApproverID string    `json:"approverId"`
	Decision   string    `json:"decision"` // approve | reject
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Approval tracks a multi-stage human approval for one action.
type Approval struct {
	ApprovalID        string             `json:"approvalId"`
	ActionID          string             `json:"actionId"`
	TenantID          string             `json:"tenantId"`
	Status            ApprovalStatus     `json:"status"`
	Stages            []ApprovalStage    `json:"stages"`
	CurrentStageIndex int                `json:"currentStageIndex"`
	StageStartedAt    time.Time          `json:"stageStartedAt"`
	StageDeadlineAt   *time.Time         `json:"stageDeadlineAt,omitempty"`
	EscalatedStageIDs []string           `json:"escalatedStageIds,omitempty"`
	RequiresStepUp    bool               `json:"requiresStepUp"`
	Decisions         []ApprovalDecision `json:"decisions,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// CurrentStage returns the active stage, or nil when the workflow is finished.
func (a *Approval) CurrentStage() *ApprovalStage {
	if a.CurrentStageIndex < 0 || a.CurrentStageIndex >= len(a.Stages) {
		return nil
	}
	return &a.Stages[a.CurrentStageIndex]
}

// ApprovalProgress summarizes workflow position for responses.
type ApprovalProgress struct {
	CurrentStageIndex int    `json:"currentStageIndex"`
	TotalStages       int    `json:"totalStages"`
	CurrentStageName  string `json:"currentStageName,omitempty"`
}

// Progress builds the progress summary for the approval.
func (a *Approval) Progress() ApprovalProgress {
	p := ApprovalProgress{CurrentStageIndex: a.CurrentStageIndex, TotalStages: len(a.Stages)}
	if s := a.CurrentStage(); s != nil {
		p.CurrentStageName = s.Name
	}
	return p
}
