// Package alerts routes notable action outcomes to operators. Routing rules
// are CEL expressions over the alert fields, compiled once at rule creation
// and cached; matching rules deliver to a webhook channel.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// OutcomeEscalation is fired when an approval stage blows its SLA.
const OutcomeEscalation = "ESCALATION"

// Recorder publishes security events.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Service evaluates routing rules and records alerts.
type Service struct {
	store  *store.Store
	events Recorder
	client *http.Client
	logger *slog.Logger
	env    *cel.Env
	clock  func() time.Time

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewService creates the alert service.
func NewService(st *store.Store, events Recorder, client *http.Client, logger *slog.Logger) (*Service, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("outcome", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("tenantId", cel.StringType),
		cel.Variable("actionId", cel.StringType),
		cel.Variable("toolId", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("riskScore", cel.IntType),
		cel.Variable("riskTier", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("alerts: cel environment: %w", err)
	}
	return &Service{
		store:    st,
		events:   events,
		client:   client,
		logger:   logger,
		env:      env,
		clock:    time.Now,
		programs: map[string]cel.Program{},
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateRule validates and stores one routing rule. The CEL condition is
// compiled here so a bad expression fails the write, not a later delivery.
func (s *Service) CreateRule(ctx context.Context, rule *contracts.AlertRoutingRule) (*contracts.AlertRoutingRule, error) {
	if strings.TrimSpace(rule.TenantID) == "" {
		return nil, apierror.Wrap(apierror.CodeTenantRequired, "tenantId is required", apierror.ErrTenantRequired)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return nil, apierror.New(apierror.CodeValidation, "rule name is required")
	}
	switch rule.Channel {
	case "webhook":
		if strings.TrimSpace(rule.WebhookURL) == "" {
			return nil, apierror.New(apierror.CodeValidation, "webhook channel requires webhookUrl")
		}
	case "none":
	default:
		return nil, apierror.Newf(apierror.CodeValidation, "unknown channel %q", rule.Channel)
	}
	program, err := s.compile(rule.Condition)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeValidation, "condition does not compile", err)
	}

	now := s.clock().UTC()
	if rule.RuleID == "" {
		rule.RuleID = contracts.NewID(contracts.PrefixRule)
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := s.store.PutAlertRule(ctx, rule); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.programs[rule.RuleID] = program
	s.mu.Unlock()
	return rule, nil
}

// ListRules returns the tenant's routing rules.
func (s *Service) ListRules(ctx context.Context, tenantID string) ([]*contracts.AlertRoutingRule, error) {
	return s.store.ListAlertRules(ctx, tenantID)
}

// DeleteRule removes one routing rule.
func (s *Service) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := s.store.DeleteAlertRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.programs, ruleID)
	s.mu.Unlock()
	return nil
}

// ListAlerts pages the tenant's fired alerts newest first.
func (s *Service) ListAlerts(ctx context.Context, tenantID string, limit, offset int) (store.Page[*contracts.Alert], error) {
	return s.store.ListAlerts(ctx, tenantID, limit, offset)
}

// FireOutcome records an alert for one action outcome and routes it through
// any matching rules. It satisfies the action pipeline's alerter contract.
func (s *Service) FireOutcome(ctx context.Context, outcome string, action *contracts.Action) {
	alert := &contracts.Alert{
		AlertID:   contracts.NewID(contracts.PrefixAlert),
		TenantID:  action.TenantID,
		Outcome:   outcome,
		ActionID:  action.ActionID,
		Severity:  severityFor(outcome),
		Message:   messageFor(outcome, action),
		CreatedAt: s.clock().UTC(),
		Details: map[string]any{
			"toolId":    action.Resource.ToolID,
			"operation": action.Resource.Operation,
			"target":    action.Resource.Target,
		},
	}
	s.fire(ctx, alert, alertInput(alert, action))
}

// FireEscalation raises an ESCALATION alert for an overdue approval stage.
func (s *Service) FireEscalation(ctx context.Context, tenantID, actionID, approvalID, stageID string, escalateTo []string) {
	alert := &contracts.Alert{
		AlertID:   contracts.NewID(contracts.PrefixAlert),
		TenantID:  tenantID,
		Outcome:   OutcomeEscalation,
		ActionID:  actionID,
		Severity:  "warning",
		Message:   fmt.Sprintf("approval %s stage %s exceeded its SLA", approvalID, stageID),
		CreatedAt: s.clock().UTC(),
		Details: map[string]any{
			"approvalId": approvalID,
			"stageId":    stageID,
			"escalateTo": escalateTo,
		},
	}
	s.fire(ctx, alert, alertInput(alert, nil))
}

func (s *Service) fire(ctx context.Context, alert *contracts.Alert, input map[string]any) {
	rules, err := s.store.ListAlertRules(ctx, alert.TenantID)
	if err != nil {
		s.logger.Error("alert rule lookup failed", "tenantId", alert.TenantID, "error", err)
		rules = nil
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		matched, err := s.matches(rule, input)
		if err != nil {
			s.logger.Warn("alert rule evaluation failed", "ruleId", rule.RuleID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		alert.RuleID = rule.RuleID
		if rule.Channel == "webhook" {
			alert.DeliverVia = "webhook"
			if err := s.deliverWebhook(ctx, rule.WebhookURL, alert); err != nil {
				s.logger.Warn("alert webhook delivery failed",
					"ruleId", rule.RuleID, "alertId", alert.AlertID, "error", err)
			} else {
				alert.Delivered = true
			}
		}
		break
	}
	if err := s.store.PutAlert(ctx, alert); err != nil {
		s.logger.Error("alert persist failed", "alertId", alert.AlertID, "error", err)
		return
	}
	if s.events != nil {
		_ = s.events.Record(ctx, &contracts.SecurityEvent{
			TenantID: alert.TenantID,
			Type:     "alert.fired",
			Severity: alert.Severity,
			Subject:  alert.ActionID,
			Details: map[string]any{
				"alertId": alert.AlertID,
				"outcome": alert.Outcome,
				"ruleId":  alert.RuleID,
			},
		})
	}
}

func (s *Service) matches(rule *contracts.AlertRoutingRule, input map[string]any) (bool, error) {
	if strings.TrimSpace(rule.Condition) == "" {
		return true, nil
	}
	s.mu.RLock()
	program, ok := s.programs[rule.RuleID]
	s.mu.RUnlock()
	if !ok {
		var err error
		program, err = s.compile(rule.Condition)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.programs[rule.RuleID] = program
		s.mu.Unlock()
	}
	out, _, err := program.Eval(input)
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not a boolean")
	}
	return matched, nil
}

func (s *Service) compile(condition string) (cel.Program, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, nil
	}
	ast, issues := s.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return s.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
}

func (s *Service) deliverWebhook(ctx context.Context, url string, alert *contracts.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func alertInput(alert *contracts.Alert, action *contracts.Action) map[string]any {
	input := map[string]any{
		"outcome":   alert.Outcome,
		"severity":  alert.Severity,
		"tenantId":  alert.TenantID,
		"actionId":  alert.ActionID,
		"toolId":    "",
		"operation": "",
		"target":    "",
		"state":     "",
		"riskScore": 0,
		"riskTier":  "",
	}
	if action != nil {
		input["toolId"] = action.Resource.ToolID
		input["operation"] = action.Resource.Operation
		input["target"] = action.Resource.Target
		input["state"] = string(action.State)
		if action.Risk != nil {
			input["riskScore"] = action.Risk.Score
			input["riskTier"] = string(action.Risk.Tier)
		}
	}
	return input
}

func severityFor(outcome string) string {
	switch outcome {
	case "HIGH_RISK_EXECUTED":
		return "critical"
	case "ACTION_DENIED", "ACTION_FAILED", OutcomeEscalation:
		return "warning"
	default:
		return "info"
	}
}

func messageFor(outcome string, action *contracts.Action) string {
	return fmt.Sprintf("%s: %s %s on %s",
		outcome, action.Resource.ToolID, action.Resource.Operation, action.Resource.Target)
}
