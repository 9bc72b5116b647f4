package action

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/approval"
	"github.com/oars-platform/oars/pkg/backplane"
	"github.com/oars-platform/oars/pkg/connector"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/policy"
	"github.com/oars-platform/oars/pkg/receipt"
	"github.com/oars-platform/oars/pkg/signing"
	"github.com/oars-platform/oars/pkg/store"
)

type captureAlerts struct {
	outcomes []string
}

func (c *captureAlerts) FireOutcome(_ context.Context, outcome string, _ *contracts.Action) {
	c.outcomes = append(c.outcomes, outcome)
}

type staticSecrets struct{}

func (staticSecrets) GetSecretValue(context.Context, string, string, string) (string, error) {
	return "postgres://sim", nil
}

type fixture struct {
	service *Service
	store   *store.Store
	alerts  *captureAlerts
	queue   *backplane.FileBackplane
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.NewFileBackend(filepath.Join(dir, "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	sg, err := signing.NewService(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	receipts := receipt.NewService(st, sg, nil, nil, nil)
	policies := policy.NewService(st, nil)
	approvals := approval.NewService(st, nil, nil, nil)

	registry := connector.NewRegistry(nil)
	connector.RegisterSimulators(registry)
	exec := connector.NewExecutionService(registry, staticSecrets{})

	var queue *backplane.FileBackplane
	var q backplane.Backplane
	if withQueue {
		queue, err = backplane.NewFileBackplane(filepath.Join(dir, "queue.json"), backplane.Config{})
		require.NoError(t, err)
		q = queue
	}

	alerts := &captureAlerts{}
	svc := NewService(st, policies, approvals, receipts, exec, q, alerts, nil)
	return &fixture{service: svc, store: st, alerts: alerts, queue: queue}
}

func submit(resource contracts.Resource) SubmitRequest {
	return SubmitRequest{
		TenantID: "tenant_alpha",
		Actor:    contracts.Actor{UserID: "user_1"},
		Resource: resource,
	}
}

func receiptTypes(t *testing.T, f *fixture, actionID string) []contracts.ReceiptType {
	t.Helper()
	chain, err := f.store.ListReceiptsByAction(context.Background(), "tenant_alpha", actionID)
	require.NoError(t, err)
	types := make([]contracts.ReceiptType, 0, len(chain))
	for _, r := range chain {
		types = append(types, r.Type)
	}
	return types
}

func TestSubmitAllowedActionExecutesInline(t *testing.T) {
	f := newFixture(t, false)
	resp, err := f.service.SubmitAction(context.Background(), submit(contracts.Resource{
		ToolID: "jira", Operation: "read", Target: "PROJ-1",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionExecuted, resp.Action.State)
	assert.Equal(t, []contracts.ReceiptType{
		contracts.ReceiptRequested, contracts.ReceiptApproved, contracts.ReceiptExecuted,
	}, receiptTypes(t, f, resp.Action.ActionID))
	assert.Len(t, resp.Action.ReceiptIDs, 3)
	assert.Empty(t, f.alerts.outcomes)
}

type captureTelemetry struct {
	states []string
	ops    []string
}

func (c *captureTelemetry) RecordAction(_ context.Context, state string) {
	c.states = append(c.states, state)
}

func (c *captureTelemetry) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	c.ops = append(c.ops, name)
	return ctx, func(error) {}
}

func TestSubmitTracksTelemetry(t *testing.T) {
	f := newFixture(t, false)
	telemetry := &captureTelemetry{}
	f.service.WithTelemetry(telemetry)

	_, err := f.service.SubmitAction(context.Background(), submit(contracts.Resource{
		ToolID: "jira", Operation: "read", Target: "PROJ-1",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, []string{"action.submit"}, telemetry.ops)
	assert.Equal(t, []string{"requested", "approved", "executed"}, telemetry.states)
}

func TestSubmitDangerousOperationDenied(t *testing.T) {
	f := newFixture(t, false)
	resp, err := f.service.SubmitAction(context.Background(), submit(contracts.Resource{
		ToolID: "database", Operation: "drop_database", Target: "staging-db",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionDenied, resp.Action.State)
	assert.Equal(t, []contracts.ReceiptType{
		contracts.ReceiptRequested, contracts.ReceiptDenied,
	}, receiptTypes(t, f, resp.Action.ActionID))
	assert.Equal(t, []string{OutcomeActionDenied}, f.alerts.outcomes)
}

func TestCriticalRiskRequiresStepUpApproval(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	resp, err := f.service.SubmitAction(ctx, submit(contracts.Resource{
		ToolID: "iam", Operation: "delete", Target: "prod-users",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionApprovalRequired, resp.Action.State)
	require.NotNil(t, resp.Approval)
	assert.True(t, resp.Approval.RequiresStepUp)
	assert.Equal(t, resp.Approval.ApprovalID, resp.Action.ApprovalID)

	// Wrong step-up code is rejected before any decision is recorded.
	_, err = f.service.HandleApprovalDecision(ctx, "tenant_alpha", resp.Approval.ApprovalID,
		"approve", "approver_1", "", "wrong-code", "req_2")
	assert.Equal(t, apierror.CodeForbidden, apierror.CodeOf(err))

	final, err := f.service.HandleApprovalDecision(ctx, "tenant_alpha", resp.Approval.ApprovalID,
		"approve", "approver_1", "looks fine", approval.DevStepUpCode, "req_3")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionExecuted, final.Action.State)
	assert.Equal(t, []contracts.ReceiptType{
		contracts.ReceiptRequested, contracts.ReceiptApprovalRequired,
		contracts.ReceiptApproved, contracts.ReceiptExecuted,
	}, receiptTypes(t, f, final.Action.ActionID))
	assert.Equal(t, []string{OutcomeHighRiskExecuted}, f.alerts.outcomes)
}

func TestApprovalRejectionDeniesAction(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	resp, err := f.service.SubmitAction(ctx, submit(contracts.Resource{
		ToolID: "slack", Operation: "delete", Target: "workspace",
	}), "req_1")
	require.NoError(t, err)
	require.Equal(t, contracts.ActionApprovalRequired, resp.Action.State)

	final, err := f.service.HandleApprovalDecision(ctx, "tenant_alpha", resp.Approval.ApprovalID,
		"reject", "approver_1", "too risky", "", "req_2")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDenied, final.Action.State)
	assert.Equal(t, []string{OutcomeActionDenied}, f.alerts.outcomes)
}

func TestQueuedDispatchDefersExecution(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	resp, err := f.service.SubmitAction(ctx, submit(contracts.Resource{
		ToolID: "confluence", Operation: "read", Target: "SPACE",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionApproved, resp.Action.State)
	require.NotNil(t, resp.Job)
	assert.Equal(t, contracts.JobPending, resp.Job.Status)

	state, err := f.service.ExecuteApprovedAction(ctx, "tenant_alpha", resp.Action.ActionID, "req_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionExecuted, state)

	// Redelivery is harmless: no new receipts.
	state, err = f.service.ExecuteApprovedAction(ctx, "tenant_alpha", resp.Action.ActionID, "req_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionExecuted, state)
	assert.Len(t, receiptTypes(t, f, resp.Action.ActionID), 3)
}

func TestExecuteNonApprovedActionConflicts(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	resp, err := f.service.SubmitAction(ctx, submit(contracts.Resource{
		ToolID: "database", Operation: "drop_database", Target: "staging-db",
	}), "req_1")
	require.NoError(t, err)
	require.Equal(t, contracts.ActionDenied, resp.Action.State)

	_, err = f.service.ExecuteApprovedAction(ctx, "tenant_alpha", resp.Action.ActionID, "req_2")
	assert.Equal(t, apierror.CodeConflict, apierror.CodeOf(err))
}

func TestConnectorFailureRecordsFailedState(t *testing.T) {
	f := newFixture(t, false)
	resp, err := f.service.SubmitAction(context.Background(), submit(contracts.Resource{
		ToolID: "jira", Operation: "fail_sync", Target: "PROJ-1",
	}), "req_1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionFailed, resp.Action.State)
	assert.Contains(t, resp.Action.LastError, "simulated failure")
	assert.Equal(t, []contracts.ReceiptType{
		contracts.ReceiptRequested, contracts.ReceiptApproved, contracts.ReceiptFailed,
	}, receiptTypes(t, f, resp.Action.ActionID))
	assert.Equal(t, []string{OutcomeActionFailed}, f.alerts.outcomes)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.service.SubmitAction(ctx, SubmitRequest{
		Actor:    contracts.Actor{UserID: "user_1"},
		Resource: contracts.Resource{ToolID: "jira", Operation: "read"},
	}, "req_1")
	assert.Equal(t, apierror.CodeTenantRequired, apierror.CodeOf(err))

	_, err = f.service.SubmitAction(ctx, submit(contracts.Resource{Operation: "read"}), "req_1")
	assert.Equal(t, apierror.CodeValidation, apierror.CodeOf(err))

	req := submit(contracts.Resource{ToolID: "jira", Operation: "read"})
	req.Actor = contracts.Actor{}
	_, err = f.service.SubmitAction(ctx, req, "req_1")
	assert.Equal(t, apierror.CodeValidation, apierror.CodeOf(err))
}

func TestCrossTenantActionLookup(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	resp, err := f.service.SubmitAction(ctx, submit(contracts.Resource{
		ToolID: "jira", Operation: "read", Target: "PROJ-1",
	}), "req_1")
	require.NoError(t, err)

	_, _, err = f.service.GetAction(ctx, "tenant_beta", resp.Action.ActionID)
	assert.Equal(t, apierror.CodeNotFound, apierror.CodeOf(err))
}
