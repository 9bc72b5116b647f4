// Package store persists OARS domain records behind one typed facade.
// Two backends exist: a JSON file tree for single-node deployments and a
// SQL document table for Postgres or SQLite. The facade owns tenant scoping
// and field-level protection; backends only move documents.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Collection names. One document collection per record kind.
const (
	colActions         = "actions"
	colReceipts        = "receipts"
	colApprovals       = "approvals"
	colPolicies        = "policies"
	colSecurityEvents  = "security_events"
	colDeadLetters     = "siem_dead_letters"
	colIdempotency     = "idempotency"
	colVaultSecrets    = "vault_secrets"
	colTenants         = "tenants"
	colMembers         = "tenant_members"
	colServiceAccounts = "service_accounts"
	colAlertRules      = "alert_rules"
	colAlerts          = "alerts"
	colEvidenceNodes   = "evidence_nodes"
	colEvidenceEdges   = "evidence_edges"
	colControlMappings = "control_mappings"
	colRetention       = "ledger_retention"
)

// docRecord is the backend unit of storage. Ref is an optional secondary
// lookup key (e.g. a receipt's actionId) so backends can index it.
type docRecord struct {
	Collection string          `json:"-"`
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Ref        string          `json:"ref,omitempty"`
	Doc        json.RawMessage `json:"doc"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Backend moves opaque documents. An empty tenantID or ref in list acts as a
// wildcard. Listings are ordered by (createdAt, id) ascending.
type Backend interface {
	put(ctx context.Context, rec docRecord) error
	get(ctx context.Context, collection, id string) (*docRecord, error)
	list(ctx context.Context, collection, tenantID, ref string) ([]docRecord, error)
	delete(ctx context.Context, collection, id string) error
}
