// Package risk scores a proposed resource operation deterministically.
// Same resource in, same score out; the policy layer matches on the tier
// and receipts snapshot the signals.
package risk

import (
	"strings"

	"github.com/oars-platform/oars/pkg/contracts"
)

const baseScore = 20

var dangerousOperations = map[string]bool{
	"delete":             true,
	"drop_database":      true,
	"export_all":         true,
	"transfer_funds":     true,
	"change_permissions": true,
	"rotate_keys":        true,
}

var writeOperations = map[string]bool{
	"update":        true,
	"write":         true,
	"create_ticket": true,
	"send_email":    true,
}

// Evaluate scores the resource in [0,100] and buckets it into a tier.
// Signal strings are stable: they appear in receipts and policy rationales.
func Evaluate(resource contracts.Resource) contracts.RiskSnapshot {
	score := baseScore
	signals := []string{"base"}

	op := strings.ToLower(resource.Operation)
	switch {
	case dangerousOperations[op]:
		score += 60
		signals = append(signals, "dangerous_operation:"+op)
	case writeOperations[op]:
		score += 25
		signals = append(signals, "write_operation:"+op)
	}

	target := strings.ToLower(resource.Target)
	if strings.Contains(target, "prod") {
		score += 15
		signals = append(signals, "production_target")
	}
	if strings.Contains(target, "finance") {
		score += 20
		signals = append(signals, "finance_target")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return contracts.RiskSnapshot{Score: score, Tier: tierFor(score), Signals: signals}
}

func tierFor(score int) contracts.RiskTier {
	switch {
	case score >= 90:
		return contracts.RiskCritical
	case score >= 70:
		return contracts.RiskHigh
	case score >= 40:
		return contracts.RiskMedium
	default:
		return contracts.RiskLow
	}
}
