// Package connector dispatches approved actions to tool integrations. The
// registry holds Connector implementations keyed by tool id; the execution
// service guards every dispatch with the target sandbox and output
// sanitization.
package connector

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Result is what a connector returns from one execution.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Connector executes one tool's operations.
type Connector interface {
	ToolID() string
	Execute(ctx context.Context, action *contracts.Action) (*Result, error)
}

// Registry holds connectors keyed by tool id. An optional allow-list limits
// which registered connectors are visible.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	allowlist  map[string]bool
}

// NewRegistry creates an empty registry. A nil or empty allowlist permits
// every registered connector.
func NewRegistry(allowlist []string) *Registry {
	r := &Registry{connectors: map[string]Connector{}}
	if len(allowlist) > 0 {
		r.allowlist = map[string]bool{}
		for _, toolID := range allowlist {
			r.allowlist[strings.ToLower(toolID)] = true
		}
	}
	return r
}

// Register adds or replaces a connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[strings.ToLower(c.ToolID())] = c
}

// Lookup returns the connector for a tool id, nil when unregistered or
// filtered by the allow-list.
func (r *Registry) Lookup(toolID string) Connector {
	key := strings.ToLower(toolID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allowlist != nil && !r.allowlist[key] {
		return nil
	}
	return r.connectors[key]
}

// ToolIDs lists the visible connectors, sorted.
func (r *Registry) ToolIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for key, c := range r.connectors {
		if r.allowlist != nil && !r.allowlist[key] {
			continue
		}
		ids = append(ids, c.ToolID())
	}
	sort.Strings(ids)
	return ids
}
