// Package action orchestrates the gateway pipeline: submit, risk, policy,
// approval, execution. Every state transition persists immediately and emits
// a signed receipt before the next step runs.
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/backplane"
	"github.com/oars-platform/oars/pkg/connector"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/policy"
	"github.com/oars-platform/oars/pkg/receipt"
	"github.com/oars-platform/oars/pkg/risk"
	"github.com/oars-platform/oars/pkg/store"
)

// Alert outcomes fired on terminal transitions.
const (
	OutcomeActionDenied     = "ACTION_DENIED"
	OutcomeActionFailed     = "ACTION_FAILED"
	OutcomeHighRiskExecuted = "HIGH_RISK_EXECUTED"
)

// Approvals is the slice of the approval service the pipeline needs.
type Approvals interface {
	CreateApproval(ctx context.Context, action *contracts.Action, risk contracts.RiskSnapshot) (*contracts.Approval, error)
	RecordDecision(ctx context.Context, tenantID, approvalID, decision, approverID, reason, stepUpCode string) (*contracts.Approval, error)
}

// Alerter routes terminal action outcomes to operator alerts.
type Alerter interface {
	FireOutcome(ctx context.Context, outcome string, action *contracts.Action)
}

// Recorder publishes security events.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Telemetry traces submissions and counts state transitions. Optional.
type Telemetry interface {
	RecordAction(ctx context.Context, state string)
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Service is the pipeline orchestrator.
type Service struct {
	store     *store.Store
	policy    *policy.Service
	approvals Approvals
	receipts  *receipt.Service
	exec      *connector.ExecutionService
	queue     backplane.Backplane
	alerts    Alerter
	events    Recorder
	telemetry Telemetry
	clock     func() time.Time
}

// NewService wires the pipeline. queue, alerts and events are each optional;
// with no queue approved actions execute inline.
func NewService(st *store.Store, pol *policy.Service, approvals Approvals, receipts *receipt.Service, exec *connector.ExecutionService, queue backplane.Backplane, alerts Alerter, events Recorder) *Service {
	return &Service{
		store:     st,
		policy:    pol,
		approvals: approvals,
		receipts:  receipts,
		exec:      exec,
		queue:     queue,
		alerts:    alerts,
		events:    events,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTelemetry attaches tracing and state counters.
func (s *Service) WithTelemetry(t Telemetry) *Service {
	s.telemetry = t
	return s
}

// SubmitRequest is one proposed action.
type SubmitRequest struct {
	TenantID    string             `json:"tenantId"`
	Actor       contracts.Actor    `json:"actor"`
	Resource    contracts.Resource `json:"resource"`
	Input       map[string]any     `json:"input,omitempty"`
	Environment string             `json:"environment,omitempty"`
	DataTypes   []string           `json:"dataTypes,omitempty"`
	PolicyID    string             `json:"policyId,omitempty"`
}

// Response is the pipeline's answer for one action.
type Response struct {
	Action   *contracts.Action           `json:"action"`
	Approval *contracts.Approval         `json:"approval,omitempty"`
	Job      *contracts.ExecutionJob     `json:"job,omitempty"`
	Receipts []string                    `json:"receiptIds"`
	Progress *contracts.ApprovalProgress `json:"approvalProgress,omitempty"`
}

func (s *Service) respond(action *contracts.Action, approval *contracts.Approval, job *contracts.ExecutionJob) *Response {
	resp := &Response{Action: action, Approval: approval, Job: job, Receipts: action.ReceiptIDs}
	if approval != nil {
		p := approval.Progress()
		resp.Progress = &p
	}
	return resp
}

// SubmitAction runs the full decision pipeline for one proposed action.
func (s *Service) SubmitAction(ctx context.Context, req SubmitRequest, requestID string) (resp *Response, err error) {
	if s.telemetry != nil {
		var done func(error)
		ctx, done = s.telemetry.TrackOperation(ctx, "action.submit",
			attribute.String("tool", req.Resource.ToolID),
			attribute.String("operation", req.Resource.Operation))
		defer func() { done(err) }()
	}
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	action := &contracts.Action{
		ActionID: contracts.NewID(contracts.PrefixAction),
		TenantID: req.TenantID,
		State:    contracts.ActionRequested,
		Actor:    req.Actor,
		Resource: req.Resource,
		Input:    req.Input,
		Context: contracts.ActionContext{
			Environment: req.Environment,
			DataTypes:   req.DataTypes,
			RequestedAt: now,
		},
		ReceiptIDs: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.PutAction(ctx, action); err != nil {
		return nil, err
	}

	snapshot := risk.Evaluate(req.Resource)
	action.Risk = &snapshot
	outcome, err := s.policy.Evaluate(ctx, action, snapshot, req.PolicyID)
	if err != nil {
		return nil, err
	}
	action.PolicyOutcome = outcome
	if err := s.store.PutAction(ctx, action); err != nil {
		return nil, err
	}
	if err := s.emitReceipt(ctx, action, contracts.ReceiptRequested, requestID); err != nil {
		return nil, err
	}
	s.record(ctx, action, "action.requested")
	s.count(ctx, string(contracts.ActionRequested))

	switch policy.DecisionToState(outcome.Decision) {
	case contracts.ActionDenied:
		if err := s.finalize(ctx, action, contracts.ActionDenied, contracts.ReceiptDenied, requestID); err != nil {
			return nil, err
		}
		s.fireAlert(ctx, OutcomeActionDenied, action)
		return s.respond(action, nil, nil), nil

	case contracts.ActionQuarantined:
		if err := s.finalize(ctx, action, contracts.ActionQuarantined, contracts.ReceiptQuarantined, requestID); err != nil {
			return nil, err
		}
		s.fireAlert(ctx, OutcomeActionDenied, action)
		return s.respond(action, nil, nil), nil

	case contracts.ActionApprovalRequired:
		approval, err := s.approvals.CreateApproval(ctx, action, snapshot)
		if err != nil {
			return nil, err
		}
		action.ApprovalID = approval.ApprovalID
		if err := s.finalize(ctx, action, contracts.ActionApprovalRequired, contracts.ReceiptApprovalRequired, requestID); err != nil {
			return nil, err
		}
		return s.respond(action, approval, nil), nil

	default: // allow
		if err := s.finalize(ctx, action, contracts.ActionApproved, contracts.ReceiptApproved, requestID); err != nil {
			return nil, err
		}
		return s.dispatch(ctx, action, requestID)
	}
}

// HandleApprovalDecision records one approver's verdict and, when the
// workflow concludes, drives the action to its next state.
func (s *Service) HandleApprovalDecision(ctx context.Context, tenantID, approvalID, decision, approverID, reason, stepUpCode, requestID string) (*Response, error) {
	approval, err := s.approvals.RecordDecision(ctx, tenantID, approvalID, decision, approverID, reason, stepUpCode)
	if err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(ctx, tenantID, approval.ActionID)
	if err != nil {
		return nil, err
	}
	switch approval.Status {
	case contracts.ApprovalRejected:
		if err := s.finalize(ctx, action, contracts.ActionDenied, contracts.ReceiptDenied, requestID); err != nil {
			return nil, err
		}
		s.fireAlert(ctx, OutcomeActionDenied, action)
		return s.respond(action, approval, nil), nil
	case contracts.ApprovalApproved:
		if err := s.finalize(ctx, action, contracts.ActionApproved, contracts.ReceiptApproved, requestID); err != nil {
			return nil, err
		}
		resp, err := s.dispatch(ctx, action, requestID)
		if err != nil {
			return nil, err
		}
		resp.Approval = approval
		return resp, nil
	default:
		return s.respond(action, approval, nil), nil
	}
}

// ExecuteApprovedAction runs an approved action. Already-terminal actions
// return their state unchanged, so backplane redelivery is harmless. It
// satisfies the backplane's executor contract.
func (s *Service) ExecuteApprovedAction(ctx context.Context, tenantID, actionID, requestID string) (contracts.ActionState, error) {
	action, err := s.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		return "", err
	}
	switch action.State {
	case contracts.ActionExecuted, contracts.ActionFailed:
		return action.State, nil
	case contracts.ActionApproved:
	default:
		return action.State, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("action %s is %s, not approved", actionID, action.State), apierror.ErrInvalidState)
	}
	if err := s.execute(ctx, action, requestID); err != nil {
		return action.State, err
	}
	return action.State, nil
}

// GetAction returns one action with its receipt chain.
func (s *Service) GetAction(ctx context.Context, tenantID, actionID string) (*contracts.Action, []*contracts.Receipt, error) {
	action, err := s.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		return nil, nil, err
	}
	receipts, err := s.receipts.ListByAction(ctx, tenantID, actionID)
	if err != nil {
		return nil, nil, err
	}
	return action, receipts, nil
}

// ListActions pages the tenant's actions newest first.
func (s *Service) ListActions(ctx context.Context, tenantID string, limit, offset int) (store.Page[*contracts.Action], error) {
	return s.store.ListActions(ctx, tenantID, limit, offset)
}

// dispatch hands an approved action to the queue, or executes inline when no
// queue is configured.
func (s *Service) dispatch(ctx context.Context, action *contracts.Action, requestID string) (*Response, error) {
	if s.queue != nil {
		job, err := s.queue.Enqueue(ctx, backplane.EnqueueParams{
			TenantID:  action.TenantID,
			ActionID:  action.ActionID,
			RequestID: requestID,
		})
		if err != nil {
			return nil, err
		}
		return s.respond(action, nil, job), nil
	}
	if err := s.execute(ctx, action, requestID); err != nil {
		return nil, err
	}
	return s.respond(action, nil, nil), nil
}

// execute runs the connector and records the terminal state. Connector
// failures are recorded on the action, never returned as errors.
func (s *Service) execute(ctx context.Context, action *contracts.Action, requestID string) error {
	result := s.exec.Execute(ctx, action)
	if result.Success {
		if err := s.finalize(ctx, action, contracts.ActionExecuted, contracts.ReceiptExecuted, requestID); err != nil {
			return err
		}
		if action.Risk != nil && (action.Risk.Tier == contracts.RiskHigh || action.Risk.Tier == contracts.RiskCritical) {
			s.fireAlert(ctx, OutcomeHighRiskExecuted, action)
		}
		return nil
	}
	action.LastError = result.Error
	if err := s.finalize(ctx, action, contracts.ActionFailed, contracts.ReceiptFailed, requestID); err != nil {
		return err
	}
	s.fireAlert(ctx, OutcomeActionFailed, action)
	return nil
}

// finalize persists the state transition and emits its receipt.
func (s *Service) finalize(ctx context.Context, action *contracts.Action, state contracts.ActionState, receiptType contracts.ReceiptType, requestID string) error {
	action.State = state
	action.UpdatedAt = s.clock().UTC()
	if err := s.store.PutAction(ctx, action); err != nil {
		return err
	}
	if err := s.emitReceipt(ctx, action, receiptType, requestID); err != nil {
		return err
	}
	s.record(ctx, action, "action."+string(state))
	s.count(ctx, string(state))
	return nil
}

func (s *Service) count(ctx context.Context, state string) {
	if s.telemetry != nil {
		s.telemetry.RecordAction(ctx, state)
	}
}

func (s *Service) emitReceipt(ctx context.Context, action *contracts.Action, receiptType contracts.ReceiptType, requestID string) error {
	var outcome contracts.PolicyOutcome
	if action.PolicyOutcome != nil {
		outcome = *action.PolicyOutcome
	}
	var snapshot contracts.RiskSnapshot
	if action.Risk != nil {
		snapshot = *action.Risk
	}
	r, err := s.receipts.CreateReceipt(ctx, receipt.CreateParams{
		Action:    action,
		Type:      receiptType,
		Policy:    outcome,
		Risk:      snapshot,
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	action.ReceiptIDs = append(action.ReceiptIDs, r.ReceiptID)
	return s.store.PutAction(ctx, action)
}

func (s *Service) fireAlert(ctx context.Context, outcome string, action *contracts.Action) {
	if s.alerts != nil {
		s.alerts.FireOutcome(ctx, outcome, action)
	}
}

func (s *Service) record(ctx context.Context, action *contracts.Action, eventType string) {
	if s.events == nil {
		return
	}
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		TenantID: action.TenantID,
		Type:     eventType,
		Subject:  action.ActionID,
		Details: map[string]any{
			"actionId":  action.ActionID,
			"toolId":    action.Resource.ToolID,
			"operation": action.Resource.Operation,
			"target":    action.Resource.Target,
			"state":     string(action.State),
		},
	})
}

func validateSubmit(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return apierror.Wrap(apierror.CodeTenantRequired, "tenantId is required", apierror.ErrTenantRequired)
	case strings.TrimSpace(req.Resource.ToolID) == "":
		return apierror.New(apierror.CodeValidation, "resource.toolId is required")
	case strings.TrimSpace(req.Resource.Operation) == "":
		return apierror.New(apierror.CodeValidation, "resource.operation is required")
	case req.Actor.UserID == "" && req.Actor.AgentID == "" && req.Actor.ServiceID == "":
		return apierror.New(apierror.CodeValidation, "actor requires a userId, agentId or serviceId")
	}
	return nil
}
