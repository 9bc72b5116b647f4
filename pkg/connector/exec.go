package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// SecretSource resolves connector secrets. The database connector refuses to
// run without its connection secret.
type SecretSource interface {
	GetSecretValue(ctx context.Context, tenantID, connectorID, name string) (string, error)
}

// ExecutionResult is the outcome of one dispatch, failure included. Guard
// violations land here as failed executions, never as errors.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExecutedAt  time.Time      `json:"executedAt"`
	ReferenceID string         `json:"referenceId"`
}

// ExecutionService dispatches actions through the registry behind the target
// sandbox.
type ExecutionService struct {
	registry *Registry
	secrets  SecretSource
	clock    func() time.Time
}

// NewExecutionService creates the dispatcher. secrets may be nil when no
// secret-gated connector is registered.
func NewExecutionService(registry *Registry, secrets SecretSource) *ExecutionService {
	return &ExecutionService{registry: registry, secrets: secrets, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *ExecutionService) WithClock(clock func() time.Time) *ExecutionService {
	s.clock = clock
	return s
}

// Execute runs the action through its connector. The returned result always
// carries a stable reference id derived from the action.
func (s *ExecutionService) Execute(ctx context.Context, action *contracts.Action) *ExecutionResult {
	result := &ExecutionResult{
		ExecutedAt:  s.clock().UTC(),
		ReferenceID: "exec_" + action.ActionID,
	}

	if strings.Contains(strings.ToLower(action.Resource.Operation), "fail") {
		result.Error = "simulated failure for operation " + action.Resource.Operation
		return result
	}
	if forbidden, reason := IsForbiddenTarget(action.Resource.Target); forbidden {
		result.Error = fmt.Sprintf("forbidden target %q: %s", action.Resource.Target, reason)
		return result
	}
	if strings.EqualFold(action.Resource.ToolID, "database") {
		if s.secrets == nil {
			result.Error = "database connector requires a connection secret; no secret source configured"
			return result
		}
		if _, err := s.secrets.GetSecretValue(ctx, action.TenantID, "database", "connection"); err != nil {
			result.Error = "database connector requires vault secret (database, connection)"
			return result
		}
	}

	c := s.registry.Lookup(action.Resource.ToolID)
	if c == nil {
		result.Error = "no connector registered for tool " + action.Resource.ToolID
		return result
	}

	out, err := c.Execute(ctx, action)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = out.Success
	result.Error = out.Error
	result.Output = sanitizeOutput(out.Output)
	return result
}

var redactedKeys = []string{"password", "secret", "token"}

// sanitizeOutput redacts credential-bearing keys from connector output so
// they never reach receipts or events.
func sanitizeOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	return sanitizeMap(output)
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isRedactedKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return sanitizeMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = sanitizeValue(child)
		}
		return out
	default:
		return v
	}
}

func isRedactedKey(key string) bool {
	lower := strings.ToLower(key)
	for _, r := range redactedKeys {
		if lower == r {
			return true
		}
	}
	return false
}
