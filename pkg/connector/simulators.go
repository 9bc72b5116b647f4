package connector

import (
	"context"
	"fmt"

	"github.com/oars-platform/oars/pkg/contracts"
)

// SimulatorConnector fabricates plausible tool responses for development and
// tests. Registered for every built-in tool when no real integration is
// configured.
type SimulatorConnector struct {
	toolID string
}

// NewSimulator creates a simulator for one tool id.
func NewSimulator(toolID string) *SimulatorConnector {
	return &SimulatorConnector{toolID: toolID}
}

// ToolID implements Connector.
func (s *SimulatorConnector) ToolID() string { return s.toolID }

// Execute implements Connector.
func (s *SimulatorConnector) Execute(_ context.Context, action *contracts.Action) (*Result, error) {
	output := map[string]any{
		"simulated": true,
		"tool":      s.toolID,
		"operation": action.Resource.Operation,
		"target":    action.Resource.Target,
	}
	switch s.toolID {
	case "jira":
		output["ticketKey"] = fmt.Sprintf("%s-1042", action.Resource.Target)
	case "slack":
		output["channel"] = action.Resource.Target
		output["messageTs"] = "1756100000.000100"
	case "database":
		output["rowsAffected"] = 1
	case "iam":
		output["principal"] = action.Resource.Target
	case "confluence":
		output["pageId"] = "98304"
	}
	return &Result{Success: true, Output: output}, nil
}

// BuiltinToolIDs are the tools the platform ships simulators for.
var BuiltinToolIDs = []string{"jira", "slack", "iam", "confluence", "database"}

// RegisterSimulators installs a simulator for every built-in tool.
func RegisterSimulators(r *Registry) {
	for _, toolID := range BuiltinToolIDs {
		r.Register(NewSimulator(toolID))
	}
}
