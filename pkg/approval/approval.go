// Package approval runs the multi-stage human approval state machine:
// serial and parallel stages, step-up authentication for critical risk, and
// SLA-driven escalation.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// DevStepUpCode is accepted by the development verifier only.
const DevStepUpCode = "stepup_dev_code"

// StepUpVerifier validates a step-up authentication code. Production wires a
// real MFA provider; tests and dev use DevStepUp.
type StepUpVerifier interface {
	VerifyStepUp(ctx context.Context, tenantID, approverID, code string) bool
}

// DevStepUp accepts the fixed development code.
type DevStepUp struct{}

// VerifyStepUp implements StepUpVerifier.
func (DevStepUp) VerifyStepUp(_ context.Context, _, _, code string) bool {
	return code == DevStepUpCode
}

// Recorder receives security events for audit. Optional.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// EscalationNotifier routes SLA breaches to the alerting surface. Optional.
type EscalationNotifier interface {
	FireEscalation(ctx context.Context, tenantID, actionID, approvalID, stageID string, escalateTo []string)
}

// Metrics counts escalations. Optional.
type Metrics interface {
	RecordEscalation(ctx context.Context)
}

// Service is the approval workflow surface.
type Service struct {
	store    *store.Store
	profiles *WorkflowProfiles
	stepUp   StepUpVerifier
	events   Recorder
	notifier EscalationNotifier
	metrics  Metrics
	clock    func() time.Time
}

// NewService creates the approval service. profiles and events may be nil;
// a nil stepUp falls back to the development verifier.
func NewService(st *store.Store, profiles *WorkflowProfiles, stepUp StepUpVerifier, events Recorder) *Service {
	if stepUp == nil {
		stepUp = DevStepUp{}
	}
	return &Service{store: st, profiles: profiles, stepUp: stepUp, events: events, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithEscalationNotifier routes SLA breaches found by ScanForEscalations.
func (s *Service) WithEscalationNotifier(n EscalationNotifier) *Service {
	s.notifier = n
	return s
}

// WithMetrics attaches an escalation counter.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// CreateApproval starts a workflow for an action. Step-up is required when
// the risk tier is critical.
func (s *Service) CreateApproval(ctx context.Context, action *contracts.Action, risk contracts.RiskSnapshot) (*contracts.Approval, error) {
	existing, err := s.store.GetApprovalByAction(ctx, action.TenantID, action.ActionID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == contracts.ApprovalPending {
		return nil, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("action %s already has a pending approval", action.ActionID),
			apierror.ErrInvalidState)
	}

	now := s.clock().UTC()
	stages := s.profiles.StagesFor(risk.Tier)
	a := &contracts.Approval{
		ApprovalID:        contracts.NewID(contracts.PrefixApproval),
		ActionID:          action.ActionID,
		TenantID:          action.TenantID,
		Status:            contracts.ApprovalPending,
		Stages:            stages,
		CurrentStageIndex: 0,
		StageStartedAt:    now,
		RequiresStepUp:    risk.Tier == contracts.RiskCritical,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	a.StageDeadlineAt = stageDeadline(stages[0], now)
	if err := s.store.PutApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetApproval returns the tenant's approval.
func (s *Service) GetApproval(ctx context.Context, tenantID, approvalID string) (*contracts.Approval, error) {
	return s.store.GetApproval(ctx, tenantID, approvalID)
}

// ListPending returns the tenant's pending approvals.
func (s *Service) ListPending(ctx context.Context, tenantID string) ([]*contracts.Approval, error) {
	return s.store.ListPendingApprovals(ctx, tenantID)
}

// RecordDecision applies one approver's decision and advances the workflow.
// An escalated approval is still decidable; terminal approvals are not.
func (s *Service) RecordDecision(ctx context.Context, tenantID, approvalID, decision, approverID, reason, stepUpCode string) (*contracts.Approval, error) {
	a, err := s.store.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.ApprovalPending && a.Status != contracts.ApprovalEscalated {
		return nil, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("approval %s is %s and cannot accept decisions", approvalID, a.Status),
			apierror.ErrInvalidState)
	}
	if decision != "approve" && decision != "reject" {
		return nil, apierror.Newf(apierror.CodeValidation, "decision must be approve or reject, got %q", decision)
	}
	if a.RequiresStepUp && !s.stepUp.VerifyStepUp(ctx, tenantID, approverID, stepUpCode) {
		return nil, apierror.Wrap(apierror.CodeForbidden,
			"step-up authentication required", apierror.ErrStepUpRequired)
	}

	stage := a.CurrentStage()
	if stage == nil {
		return nil, apierror.Wrap(apierror.CodeConflict, "approval has no active stage", apierror.ErrInvalidState)
	}
	if len(stage.ApproverIDs) > 0 && !contains(stage.ApproverIDs, approverID) {
		return nil, apierror.Wrap(apierror.CodeForbidden,
			fmt.Sprintf("%s is not an allowed approver for stage %s", approverID, stage.ID),
			apierror.ErrNotAuthorizedApprover)
	}
	for _, d := range a.Decisions {
		if d.StageID == stage.ID && d.ApproverID == approverID && d.Decision == "approve" {
			return nil, apierror.Wrap(apierror.CodeConflict,
				fmt.Sprintf("%s already approved stage %s", approverID, stage.ID),
				apierror.ErrInvalidState)
		}
	}

	now := s.clock().UTC()
	a.Decisions = append(a.Decisions, contracts.ApprovalDecision{
		StageID:    stage.ID,
		ApproverID: approverID,
		Decision:   decision,
		Reason:     reason,
		At:         now,
	})
	a.UpdatedAt = now

	if decision == "reject" {
		a.Status = contracts.ApprovalRejected
		if err := s.store.PutApproval(ctx, a); err != nil {
			return nil, err
		}
		s.record(ctx, a, "approval.rejected", map[string]any{"approverId": approverID, "stageId": stage.ID})
		return a, nil
	}

	approvals := 0
	for _, d := range a.Decisions {
		if d.StageID == stage.ID && d.Decision == "approve" {
			approvals++
		}
	}
	required := stage.RequiredApprovals
	if stage.Mode == contracts.StageSerial {
		required = 1
	}
	if approvals >= required {
		if a.CurrentStageIndex == len(a.Stages)-1 {
			a.Status = contracts.ApprovalApproved
		} else {
			a.CurrentStageIndex++
			a.Status = contracts.ApprovalPending
			a.StageStartedAt = now
			a.StageDeadlineAt = stageDeadline(a.Stages[a.CurrentStageIndex], now)
		}
	}
	if err := s.store.PutApproval(ctx, a); err != nil {
		return nil, err
	}
	if a.Status == contracts.ApprovalApproved {
		s.record(ctx, a, "approval.approved", map[string]any{"approverId": approverID})
	}
	return a, nil
}

// Escalation reports one stage that breached its SLA.
type Escalation struct {
	ApprovalID string   `json:"approvalId"`
	ActionID   string   `json:"actionId"`
	StageID    string   `json:"stageId"`
	EscalateTo []string `json:"escalateTo,omitempty"`
}

// ScanForEscalations marks every pending approval whose active stage passed
// its deadline. Each stage escalates at most once, so repeated scans after
// the first return nothing.
func (s *Service) ScanForEscalations(ctx context.Context, tenantID string, now time.Time) ([]Escalation, error) {
	if now.IsZero() {
		now = s.clock()
	}
	now = now.UTC()
	pending, err := s.store.ListPendingApprovals(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var escalations []Escalation
	for _, a := range pending {
		stage := a.CurrentStage()
		if stage == nil || a.StageDeadlineAt == nil || a.StageDeadlineAt.After(now) {
			continue
		}
		if contains(a.EscalatedStageIDs, stage.ID) {
			continue
		}
		a.EscalatedStageIDs = append(a.EscalatedStageIDs, stage.ID)
		a.Status = contracts.ApprovalEscalated
		a.UpdatedAt = now
		if err := s.store.PutApproval(ctx, a); err != nil {
			return escalations, err
		}
		esc := Escalation{
			ApprovalID: a.ApprovalID,
			ActionID:   a.ActionID,
			StageID:    stage.ID,
			EscalateTo: stage.EscalateTo,
		}
		escalations = append(escalations, esc)
		s.record(ctx, a, "approval.escalated", map[string]any{
			"stageId":    stage.ID,
			"escalateTo": stage.EscalateTo,
			"deadlineAt": a.StageDeadlineAt.Format(time.RFC3339),
		})
		if s.notifier != nil {
			s.notifier.FireEscalation(ctx, a.TenantID, a.ActionID, a.ApprovalID, stage.ID, stage.EscalateTo)
		}
		if s.metrics != nil {
			s.metrics.RecordEscalation(ctx)
		}
	}
	return escalations, nil
}

func stageDeadline(stage contracts.ApprovalStage, from time.Time) *time.Time {
	if stage.SLASeconds <= 0 {
		return nil
	}
	deadline := from.Add(time.Duration(stage.SLASeconds) * time.Second)
	return &deadline
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (s *Service) record(ctx context.Context, a *contracts.Approval, eventType string, details map[string]any) {
	if s.events == nil {
		return
	}
	details["approvalId"] = a.ApprovalID
	details["actionId"] = a.ActionID
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		EventID:    contracts.NewID(contracts.PrefixEvent),
		TenantID:   a.TenantID,
		Type:       eventType,
		Severity:   "info",
		OccurredAt: s.clock().UTC(),
		Details:    details,
	})
}
