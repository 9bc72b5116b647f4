package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	return NewService(st, nil)
}

func testActionFor(op, target string) *contracts.Action {
	return &contracts.Action{
		ActionID: contracts.NewID(contracts.PrefixAction),
		TenantID: "tenant_alpha",
		Resource: contracts.Resource{ToolID: "database", Operation: op, Target: target},
		Context: contracts.ActionContext{
			Environment: "production",
			RequestedAt: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
		},
		CreatedAt: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
	}
}

func TestPublishDemotesPrevious(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p1, err := s.CreatePolicy(ctx, "tenant_alpha", 1, nil)
	require.NoError(t, err)
	p2, err := s.CreatePolicy(ctx, "tenant_alpha", 2, nil)
	require.NoError(t, err)

	_, err = s.PublishPolicy(ctx, "tenant_alpha", p1.PolicyID)
	require.NoError(t, err)
	_, err = s.PublishPolicy(ctx, "tenant_alpha", p2.PolicyID)
	require.NoError(t, err)

	got1, _ := s.GetPolicy(ctx, "tenant_alpha", p1.PolicyID)
	got2, _ := s.GetPolicy(ctx, "tenant_alpha", p2.PolicyID)
	assert.Equal(t, contracts.PolicyDraft, got1.Status)
	assert.Equal(t, contracts.PolicyPublished, got2.Status)
}

func TestRollback(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p1, _ := s.CreatePolicy(ctx, "tenant_alpha", 1, nil)
	p2, _ := s.CreatePolicy(ctx, "tenant_alpha", 2, nil)
	_, err := s.PublishPolicy(ctx, "tenant_alpha", p2.PolicyID)
	require.NoError(t, err)

	res, err := s.RollbackPolicy(ctx, "tenant_alpha", p1.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, p2.PolicyID, res.PreviousPublishedPolicyID)
	assert.Equal(t, contracts.PolicyPublished, res.Policy.Status)

	// Rolling back to the live policy is an error.
	_, err = s.RollbackPolicy(ctx, "tenant_alpha", p1.PolicyID)
	assert.Equal(t, apierror.CodeConflict, apierror.CodeOf(err))
}

func TestEvaluateFirstMatchByPriority(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rules := []contracts.PolicyRule{
		{ID: "low", Priority: 1, Match: contracts.RuleMatch{ToolIDs: []string{"database"}}, Decision: contracts.DecisionAllow},
		{ID: "high", Priority: 10, Match: contracts.RuleMatch{Operations: []string{"delete"}}, Decision: contracts.DecisionDeny},
	}
	p, err := s.CreatePolicy(ctx, "tenant_alpha", 1, rules)
	require.NoError(t, err)
	_, err = s.PublishPolicy(ctx, "tenant_alpha", p.PolicyID)
	require.NoError(t, err)

	out, err := s.Evaluate(ctx, testActionFor("delete", "staging"), contracts.RiskSnapshot{Tier: contracts.RiskHigh}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, out.Decision)
	assert.Equal(t, []string{"high"}, out.RuleIDs)
	assert.Equal(t, p.PolicyID, out.PolicySetID)
}

func TestEvaluatePredicatesCombineByAND(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rules := []contracts.PolicyRule{{
		ID:       "prod-writes",
		Priority: 5,
		Match: contracts.RuleMatch{
			Operations:     []string{"update"},
			TargetContains: "prod",
		},
		Decision: contracts.DecisionApprove,
	}}
	p, _ := s.CreatePolicy(ctx, "tenant_alpha", 1, rules)
	_, err := s.PublishPolicy(ctx, "tenant_alpha", p.PolicyID)
	require.NoError(t, err)

	out, err := s.Evaluate(ctx, testActionFor("update", "prod-db"), contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, out.Decision)

	// Same operation off prod falls through to default allow.
	out, err = s.Evaluate(ctx, testActionFor("update", "staging-db"), contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, out.Decision)
	assert.Equal(t, "No matching rule; default allow.", out.Rationale)
}

func TestEvaluateTimeWindowWrapsMidnight(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rules := []contracts.PolicyRule{{
		ID:       "after-hours",
		Priority: 5,
		Match:    contracts.RuleMatch{TimeWindowUTC: &contracts.TimeWindowUTC{StartHour: 22, EndHour: 6}},
		Decision: contracts.DecisionApprove,
	}}
	p, _ := s.CreatePolicy(ctx, "tenant_alpha", 1, rules)
	_, err := s.PublishPolicy(ctx, "tenant_alpha", p.PolicyID)
	require.NoError(t, err)

	night := testActionFor("read", "x")
	night.Context.RequestedAt = time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	out, err := s.Evaluate(ctx, night, contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, out.Decision)

	earlyMorning := testActionFor("read", "x")
	earlyMorning.Context.RequestedAt = time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	out, err = s.Evaluate(ctx, earlyMorning, contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, out.Decision)

	daytime := testActionFor("read", "x")
	daytime.Context.RequestedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out, err = s.Evaluate(ctx, daytime, contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, out.Decision)
}

func TestEvaluateRequiredDataTypes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	rules := []contracts.PolicyRule{{
		ID:       "pii-export",
		Priority: 5,
		Match:    contracts.RuleMatch{RequiredDataTypes: []string{"pii", "financial"}},
		Decision: contracts.DecisionQuarantine,
	}}
	p, _ := s.CreatePolicy(ctx, "tenant_alpha", 1, rules)
	_, err := s.PublishPolicy(ctx, "tenant_alpha", p.PolicyID)
	require.NoError(t, err)

	partial := testActionFor("read", "x")
	partial.Context.DataTypes = []string{"pii"}
	out, err := s.Evaluate(ctx, partial, contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, out.Decision)

	full := testActionFor("read", "x")
	full.Context.DataTypes = []string{"pii", "financial", "logs"}
	out, err = s.Evaluate(ctx, full, contracts.RiskSnapshot{}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionQuarantine, out.Decision)
}

func TestDefaultPolicy(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	out, err := s.Evaluate(ctx, testActionFor("drop_database", "staging"), contracts.RiskSnapshot{Tier: contracts.RiskHigh}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, out.Decision)
	assert.Equal(t, DefaultPolicySetID, out.PolicySetID)

	out, err = s.Evaluate(ctx, testActionFor("update", "prod"), contracts.RiskSnapshot{Tier: contracts.RiskCritical}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, out.Decision)

	out, err = s.Evaluate(ctx, testActionFor("read", "staging"), contracts.RiskSnapshot{Tier: contracts.RiskLow}, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, out.Decision)
}

func TestDecisionToState(t *testing.T) {
	assert.Equal(t, contracts.ActionDenied, DecisionToState(contracts.DecisionDeny))
	assert.Equal(t, contracts.ActionApprovalRequired, DecisionToState(contracts.DecisionApprove))
	assert.Equal(t, contracts.ActionQuarantined, DecisionToState(contracts.DecisionQuarantine))
	assert.Equal(t, contracts.ActionApproved, DecisionToState(contracts.DecisionAllow))
}

func TestCreatePolicyValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreatePolicy(ctx, "tenant_alpha", 0, nil)
	assert.Equal(t, apierror.CodeValidation, apierror.CodeOf(err))

	_, err = s.CreatePolicy(ctx, "tenant_alpha", 1, []contracts.PolicyRule{{ID: "bad", Decision: "maybe"}})
	assert.Equal(t, apierror.CodeValidation, apierror.CodeOf(err))

	_, err = s.CreatePolicy(ctx, "tenant_alpha", 1, []contracts.PolicyRule{{
		ID:       "bad-window",
		Decision: contracts.DecisionAllow,
		Match:    contracts.RuleMatch{TimeWindowUTC: &contracts.TimeWindowUTC{StartHour: 25, EndHour: 3}},
	}})
	assert.Equal(t, apierror.CodeValidation, apierror.CodeOf(err))
}
