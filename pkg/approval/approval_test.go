package approval

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oars-platform/oars/pkg/alerts"
	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

type captureRecorder struct {
	events []*contracts.SecurityEvent
}

func (c *captureRecorder) Record(_ context.Context, e *contracts.SecurityEvent) error {
	c.events = append(c.events, e)
	return nil
}

func newTestService(t *testing.T, profiles *WorkflowProfiles) (*Service, *captureRecorder) {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	rec := &captureRecorder{}
	return NewService(st, profiles, nil, rec), rec
}

func testAction() *contracts.Action {
	return &contracts.Action{
		ActionID: contracts.NewID(contracts.PrefixAction),
		TenantID: "tenant_alpha",
		Resource: contracts.Resource{ToolID: "iam", Operation: "change_permissions", Target: "prod"},
	}
}

func TestDefaultWorkflowSingleSerialStage(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, a.Status)
	assert.Len(t, a.Stages, 1)
	assert.False(t, a.RequiresStepUp)

	got, err := s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "user_1", "lgtm", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, got.Status)
}

func TestCriticalRiskRequiresStepUp(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskCritical})
	require.NoError(t, err)
	assert.True(t, a.RequiresStepUp)

	_, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "user_1", "", "")
	assert.ErrorIs(t, err, apierror.ErrStepUpRequired)

	_, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "user_1", "", "wrong-code")
	assert.ErrorIs(t, err, apierror.ErrStepUpRequired)

	got, err := s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "user_1", "", DevStepUpCode)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, got.Status)
}

func TestRejectAnywhereFinalizes(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	a, _ := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	got, err := s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "reject", "user_1", "too risky", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, got.Status)

	_, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "user_2", "", "")
	assert.ErrorIs(t, err, apierror.ErrInvalidState)
}

func multiStageProfiles() *WorkflowProfiles {
	return &WorkflowProfiles{Profiles: map[string]WorkflowProfile{
		"default": {Stages: []WorkflowStage{
			{ID: "team", Name: "Team lead", Mode: "serial", RequiredApprovals: 1, ApproverIDs: []string{"lead_1"}, SLASeconds: 3600, EscalateTo: []string{"secops"}},
			{ID: "security", Name: "Security review", Mode: "parallel", RequiredApprovals: 2, SLASeconds: 7200},
		}},
	}}
}

func TestMultiStageAdvanceAndParallelThreshold(t *testing.T) {
	s, _ := newTestService(t, multiStageProfiles())
	ctx := context.Background()

	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)
	require.Len(t, a.Stages, 2)
	require.NotNil(t, a.StageDeadlineAt)

	// Stage 1 restricts approvers.
	_, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "random_user", "", "")
	assert.ErrorIs(t, err, apierror.ErrNotAuthorizedApprover)

	got, err := s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "lead_1", "", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, got.Status)
	assert.Equal(t, 1, got.CurrentStageIndex)

	// Parallel stage requires two distinct approvers.
	got, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "sec_1", "", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, got.Status)

	_, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "sec_1", "", "")
	assert.ErrorIs(t, err, apierror.ErrInvalidState)

	got, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "sec_2", "", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, got.Status)

	progress := got.Progress()
	assert.Equal(t, 2, progress.TotalStages)
}

func TestEscalationScanIsIdempotent(t *testing.T) {
	s, rec := newTestService(t, multiStageProfiles())
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := start
	s.WithClock(func() time.Time { return current })

	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)

	// Before the SLA deadline nothing escalates.
	escalations, err := s.ScanForEscalations(ctx, "tenant_alpha", start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, escalations)

	late := start.Add(2 * time.Hour)
	escalations, err = s.ScanForEscalations(ctx, "tenant_alpha", late)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, a.ApprovalID, escalations[0].ApprovalID)
	assert.Equal(t, "team", escalations[0].StageID)
	assert.Equal(t, []string{"secops"}, escalations[0].EscalateTo)

	// A second scan at the same time finds nothing new.
	escalations, err = s.ScanForEscalations(ctx, "tenant_alpha", late)
	require.NoError(t, err)
	assert.Empty(t, escalations)

	var escalatedEvents int
	for _, e := range rec.events {
		if e.Type == "approval.escalated" {
			escalatedEvents++
		}
	}
	assert.Equal(t, 1, escalatedEvents)

	// The escalated approval is still decidable.
	current = late
	got, err := s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "lead_1", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStageIndex)
}

type countEscalations struct {
	count int
}

func (c *countEscalations) RecordEscalation(context.Context) { c.count++ }

func TestEscalationRoutesThroughAlerts(t *testing.T) {
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	router, err := alerts.NewService(st, nil, nil, nil)
	require.NoError(t, err)

	metrics := &countEscalations{}
	s := NewService(st, multiStageProfiles(), nil, nil).
		WithEscalationNotifier(router).
		WithMetrics(metrics)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return start })

	ctx := context.Background()
	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)

	escalations, err := s.ScanForEscalations(ctx, "tenant_alpha", start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, 1, metrics.count)

	page, err := router.ListAlerts(ctx, "tenant_alpha", 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	alert := page.Items[0]
	assert.Equal(t, alerts.OutcomeEscalation, alert.Outcome)
	assert.Equal(t, a.ApprovalID, alert.Details["approvalId"])
	assert.Equal(t, "team", alert.Details["stageId"])
}

func TestEscalatedApprovalRemainsDecidable(t *testing.T) {
	s, _ := newTestService(t, multiStageProfiles())
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := start
	s.WithClock(func() time.Time { return current })

	a, err := s.CreateApproval(ctx, testAction(), contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)

	current = start.Add(2 * time.Hour)
	_, err = s.ScanForEscalations(ctx, "tenant_alpha", current)
	require.NoError(t, err)
	got, err := s.GetApproval(ctx, "tenant_alpha", a.ApprovalID)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalEscalated, got.Status)

	// Escalation is advisory: it pages humans but never locks the workflow.
	got, err = s.RecordDecision(ctx, "tenant_alpha", a.ApprovalID, "approve", "lead_1", "", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, got.Status)
	assert.Equal(t, 1, got.CurrentStageIndex)
}

func TestLoadWorkflowProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	doc := `
profiles:
  default:
    stages:
      - id: stage-1
        name: Approval
        mode: serial
        requiredApprovals: 1
  critical:
    stages:
      - id: sec
        name: Security
        mode: parallel
        requiredApprovals: 2
        slaSeconds: 1800
        escalateTo: [secops]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	profiles, err := LoadWorkflowProfiles(path)
	require.NoError(t, err)

	critical := profiles.StagesFor(contracts.RiskCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, contracts.StageParallel, critical[0].Mode)
	assert.Equal(t, 2, critical[0].RequiredApprovals)

	// Unknown tier falls back to default profile.
	low := profiles.StagesFor(contracts.RiskLow)
	require.Len(t, low, 1)
	assert.Equal(t, "stage-1", low[0].ID)
}

func TestLoadWorkflowProfilesRejectsBadStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	doc := `
profiles:
  default:
    stages:
      - id: s1
        mode: sideways
        requiredApprovals: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err := LoadWorkflowProfiles(path)
	assert.Error(t, err)
}

func TestDuplicatePendingApprovalRejected(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()
	action := testAction()
	_, err := s.CreateApproval(ctx, action, contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	require.NoError(t, err)
	_, err = s.CreateApproval(ctx, action, contracts.RiskSnapshot{Tier: contracts.RiskHigh})
	assert.ErrorIs(t, err, apierror.ErrInvalidState)
}
