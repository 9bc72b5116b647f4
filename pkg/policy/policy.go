// Package policy manages tenant rule sets and evaluates actions against
// them. At most one policy per tenant is published; evaluation falls back to
// a built-in default when none is.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// DefaultPolicySetID identifies the built-in fallback rule set in outcomes.
const DefaultPolicySetID = "policy_default"

// Recorder receives security events for audit. Optional.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Service is the policy management and evaluation surface.
type Service struct {
	store  *store.Store
	events Recorder
	clock  func() time.Time
}

// NewService creates the policy service. events may be nil.
func NewService(st *store.Store, events Recorder) *Service {
	return &Service{store: st, events: events, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreatePolicy stores a new draft. Rules are kept sorted by descending
// priority; rule ids are assigned when absent.
func (s *Service) CreatePolicy(ctx context.Context, tenantID string, version int, rules []contracts.PolicyRule) (*contracts.Policy, error) {
	if tenantID == "" {
		return nil, apierror.Wrap(apierror.CodeTenantRequired, "tenant is required", apierror.ErrTenantRequired)
	}
	if version < 1 {
		return nil, apierror.Newf(apierror.CodeValidation, "version must be >= 1, got %d", version)
	}
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = contracts.NewID(contracts.PrefixRule)
		}
		if !validDecision(rules[i].Decision) {
			return nil, apierror.Newf(apierror.CodeValidation, "rule %s: unknown decision %q", rules[i].ID, rules[i].Decision)
		}
		if w := rules[i].Match.TimeWindowUTC; w != nil {
			if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
				return nil, apierror.Newf(apierror.CodeValidation, "rule %s: time window hours must be in [0,23]", rules[i].ID)
			}
		}
	}
	sorted := make([]contracts.PolicyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	now := s.clock().UTC()
	p := &contracts.Policy{
		PolicyID:  contracts.NewID(contracts.PrefixPolicy),
		TenantID:  tenantID,
		Version:   version,
		Status:    contracts.PolicyDraft,
		Rules:     sorted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutPolicy(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "policy.created", map[string]any{"policyId": p.PolicyID, "version": version})
	return p, nil
}

// GetPolicy returns the tenant's policy by id.
func (s *Service) GetPolicy(ctx context.Context, tenantID, policyID string) (*contracts.Policy, error) {
	return s.store.GetPolicy(ctx, tenantID, policyID)
}

// ListPolicies returns the tenant's policies ordered by creation.
func (s *Service) ListPolicies(ctx context.Context, tenantID string) ([]*contracts.Policy, error) {
	return s.store.ListPolicies(ctx, tenantID)
}

// PublishPolicy makes the target policy live. Any other published policy for
// the tenant is demoted to draft in the same operation.
func (s *Service) PublishPolicy(ctx context.Context, tenantID, policyID string) (*contracts.Policy, error) {
	target, err := s.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	current, err := s.store.GetPublishedPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.PolicyID != target.PolicyID {
		current.Status = contracts.PolicyDraft
		current.UpdatedAt = now
		if err := s.store.PutPolicy(ctx, current); err != nil {
			return nil, err
		}
	}
	target.Status = contracts.PolicyPublished
	target.UpdatedAt = now
	if err := s.store.PutPolicy(ctx, target); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "policy.published", map[string]any{"policyId": target.PolicyID, "version": target.Version})
	return target, nil
}

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	Policy                    *contracts.Policy `json:"policy"`
	PreviousPublishedPolicyID string            `json:"previousPublishedPolicyId,omitempty"`
}

// RollbackPolicy publishes an older draft in place of the currently
// published policy. Rolling back to the live policy is an error.
func (s *Service) RollbackPolicy(ctx context.Context, tenantID, policyID string) (*RollbackResult, error) {
	target, err := s.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	if target.Status == contracts.PolicyPublished {
		return nil, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("policy %s is already published", policyID), apierror.ErrInvalidState)
	}
	current, err := s.store.GetPublishedPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	published, err := s.PublishPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	result := &RollbackResult{Policy: published}
	if current != nil {
		result.PreviousPublishedPolicyID = current.PolicyID
	}
	s.record(ctx, tenantID, "policy.rolled_back", map[string]any{
		"policyId": published.PolicyID,
		"previous": result.PreviousPublishedPolicyID,
	})
	return result, nil
}

// Evaluate resolves the action against the tenant's rules. An explicit
// policyID pins evaluation to that policy; otherwise the published policy is
// used, and the built-in default when none is published.
func (s *Service) Evaluate(ctx context.Context, action *contracts.Action, risk contracts.RiskSnapshot, policyID string) (*contracts.PolicyOutcome, error) {
	var p *contracts.Policy
	var err error
	if policyID != "" {
		p, err = s.store.GetPolicy(ctx, action.TenantID, policyID)
	} else {
		p, err = s.store.GetPublishedPolicy(ctx, action.TenantID)
	}
	if err != nil {
		return nil, err
	}
	if p == nil {
		return defaultOutcome(action, risk), nil
	}
	for _, rule := range p.Rules {
		if ruleMatches(rule, action, risk) {
			rationale := rule.Description
			if rationale == "" {
				rationale = fmt.Sprintf("Matched rule %s.", rule.ID)
			}
			return &contracts.PolicyOutcome{
				Decision:      rule.Decision,
				PolicySetID:   p.PolicyID,
				PolicyVersion: p.Version,
				RuleIDs:       []string{rule.ID},
				Rationale:     rationale,
			}, nil
		}
	}
	return &contracts.PolicyOutcome{
		Decision:      contracts.DecisionAllow,
		PolicySetID:   p.PolicyID,
		PolicyVersion: p.Version,
		Rationale:     "No matching rule; default allow.",
	}, nil
}

// DecisionToState maps a policy verdict onto the action state machine.
func DecisionToState(d contracts.PolicyDecision) contracts.ActionState {
	switch d {
	case contracts.DecisionDeny:
		return contracts.ActionDenied
	case contracts.DecisionApprove:
		return contracts.ActionApprovalRequired
	case contracts.DecisionQuarantine:
		return contracts.ActionQuarantined
	default:
		return contracts.ActionApproved
	}
}

func defaultOutcome(action *contracts.Action, risk contracts.RiskSnapshot) *contracts.PolicyOutcome {
	out := &contracts.PolicyOutcome{PolicySetID: DefaultPolicySetID, PolicyVersion: 0}
	switch {
	case strings.EqualFold(action.Resource.Operation, "drop_database"):
		out.Decision = contracts.DecisionDeny
		out.RuleIDs = []string{"default-deny-drop-database"}
		out.Rationale = "Destructive database operation denied by default."
	case risk.Tier == contracts.RiskHigh || risk.Tier == contracts.RiskCritical:
		out.Decision = contracts.DecisionApprove
		out.RuleIDs = []string{"default-approve-elevated-risk"}
		out.Rationale = "Elevated risk requires human approval by default."
	default:
		out.Decision = contracts.DecisionAllow
		out.Rationale = "No published policy; default allow."
	}
	return out
}

// ruleMatches combines the rule's predicates by AND. Empty predicates match
// everything.
func ruleMatches(rule contracts.PolicyRule, action *contracts.Action, risk contracts.RiskSnapshot) bool {
	m := rule.Match
	if len(m.ToolIDs) > 0 && !containsFold(m.ToolIDs, action.Resource.ToolID) {
		return false
	}
	if len(m.Operations) > 0 && !containsFold(m.Operations, action.Resource.Operation) {
		return false
	}
	if m.TargetContains != "" &&
		!strings.Contains(strings.ToLower(action.Resource.Target), strings.ToLower(m.TargetContains)) {
		return false
	}
	if len(m.RiskTiers) > 0 {
		found := false
		for _, tier := range m.RiskTiers {
			if tier == risk.Tier {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(m.Environments) > 0 && !containsFold(m.Environments, action.Context.Environment) {
		return false
	}
	for _, required := range m.RequiredDataTypes {
		if !containsFold(action.Context.DataTypes, required) {
			return false
		}
	}
	if w := m.TimeWindowUTC; w != nil {
		at := action.Context.RequestedAt
		if at.IsZero() {
			at = action.CreatedAt
		}
		hour := at.UTC().Hour()
		if w.StartHour < w.EndHour {
			if hour < w.StartHour || hour >= w.EndHour {
				return false
			}
		} else {
			// startHour >= endHour wraps across midnight.
			if hour < w.StartHour && hour >= w.EndHour {
				return false
			}
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func validDecision(d contracts.PolicyDecision) bool {
	switch d {
	case contracts.DecisionAllow, contracts.DecisionDeny, contracts.DecisionApprove, contracts.DecisionQuarantine:
		return true
	}
	return false
}

func (s *Service) record(ctx context.Context, tenantID, eventType string, details map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		EventID:    contracts.NewID(contracts.PrefixEvent),
		TenantID:   tenantID,
		Type:       eventType,
		Severity:   "info",
		OccurredAt: s.clock().UTC(),
		Details:    details,
	})
}
