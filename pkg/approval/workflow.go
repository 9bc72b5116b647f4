package approval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oars-platform/oars/pkg/contracts"
)

// WorkflowProfiles maps a profile name to the stages an approval starts with.
// Profiles are selected by risk tier, falling back to "default".
type WorkflowProfiles struct {
	Profiles map[string]WorkflowProfile `yaml:"profiles"`
}

// WorkflowProfile is one named stage sequence.
type WorkflowProfile struct {
	Stages []WorkflowStage `yaml:"stages"`
}

// WorkflowStage is the YAML shape of one approval stage.
type WorkflowStage struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Mode              string   `yaml:"mode"`
	RequiredApprovals int      `yaml:"requiredApprovals"`
	ApproverIDs       []string `yaml:"approverIds"`
	SLASeconds        int      `yaml:"slaSeconds"`
	EscalateTo        []string `yaml:"escalateTo"`
}

// LoadWorkflowProfiles reads profiles from a YAML file. An empty path returns
// nil, meaning the built-in default workflow applies everywhere.
func LoadWorkflowProfiles(path string) (*WorkflowProfiles, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("approval: read workflow profiles: %w", err)
	}
	var profiles WorkflowProfiles
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("approval: parse workflow profiles: %w", err)
	}
	for name, profile := range profiles.Profiles {
		for i, stage := range profile.Stages {
			if stage.ID == "" {
				return nil, fmt.Errorf("approval: profile %s stage %d: id is required", name, i)
			}
			if stage.Mode != string(contracts.StageSerial) && stage.Mode != string(contracts.StageParallel) {
				return nil, fmt.Errorf("approval: profile %s stage %s: unknown mode %q", name, stage.ID, stage.Mode)
			}
			if stage.RequiredApprovals < 1 {
				return nil, fmt.Errorf("approval: profile %s stage %s: requiredApprovals must be >= 1", name, stage.ID)
			}
		}
	}
	return &profiles, nil
}

// StagesFor resolves the stage sequence for a risk tier. The tier's profile
// wins, then "default", then the built-in single-stage workflow.
func (w *WorkflowProfiles) StagesFor(tier contracts.RiskTier) []contracts.ApprovalStage {
	if w != nil {
		if profile, ok := w.Profiles[string(tier)]; ok && len(profile.Stages) > 0 {
			return toStages(profile.Stages)
		}
		if profile, ok := w.Profiles["default"]; ok && len(profile.Stages) > 0 {
			return toStages(profile.Stages)
		}
	}
	return defaultStages()
}

func defaultStages() []contracts.ApprovalStage {
	return []contracts.ApprovalStage{{
		ID:                "stage-1",
		Name:              "Approval",
		Mode:              contracts.StageSerial,
		RequiredApprovals: 1,
	}}
}

func toStages(in []WorkflowStage) []contracts.ApprovalStage {
	out := make([]contracts.ApprovalStage, len(in))
	for i, s := range in {
		out[i] = contracts.ApprovalStage{
			ID:                s.ID,
			Name:              s.Name,
			Mode:              contracts.StageMode(s.Mode),
			RequiredApprovals: s.RequiredApprovals,
			ApproverIDs:       s.ApproverIDs,
			SLASeconds:        s.SLASeconds,
			EscalateTo:        s.EscalateTo,
		}
	}
	return out
}
