package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oars-platform/oars/pkg/contracts"
)

func TestEvaluateTiers(t *testing.T) {
	cases := []struct {
		name     string
		resource contracts.Resource
		score    int
		tier     contracts.RiskTier
	}{
		{"read only", contracts.Resource{ToolID: "jira", Operation: "read", Target: "PROJ"}, 20, contracts.RiskLow},
		{"write op", contracts.Resource{ToolID: "jira", Operation: "create_ticket", Target: "PROJ"}, 45, contracts.RiskMedium},
		{"dangerous op", contracts.Resource{ToolID: "database", Operation: "delete", Target: "staging"}, 80, contracts.RiskHigh},
		{"dangerous on prod", contracts.Resource{ToolID: "database", Operation: "drop_database", Target: "prod-main"}, 95, contracts.RiskCritical},
		{"finance transfer capped", contracts.Resource{ToolID: "payments", Operation: "transfer_funds", Target: "prod-finance"}, 100, contracts.RiskCritical},
		{"write on prod", contracts.Resource{ToolID: "iam", Operation: "update", Target: "prod-iam"}, 60, contracts.RiskMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := Evaluate(tc.resource)
			assert.Equal(t, tc.score, snap.Score)
			assert.Equal(t, tc.tier, snap.Tier)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	r := contracts.Resource{ToolID: "database", Operation: "delete", Target: "prod-finance"}
	first := Evaluate(r)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(r))
	}
}

func TestSignalsAreStable(t *testing.T) {
	snap := Evaluate(contracts.Resource{ToolID: "database", Operation: "delete", Target: "prod-finance"})
	assert.Equal(t, []string{"base", "dangerous_operation:delete", "production_target", "finance_target"}, snap.Signals)
}

func TestOperationCaseInsensitive(t *testing.T) {
	lower := Evaluate(contracts.Resource{Operation: "delete", Target: "x"})
	upper := Evaluate(contracts.Resource{Operation: "DELETE", Target: "x"})
	assert.Equal(t, lower.Score, upper.Score)
}
