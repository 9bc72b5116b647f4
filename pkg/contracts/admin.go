package contracts

import "time"

// VaultSecret is a tenant-scoped per-connector secret. Values are encrypted
// at rest through the data-protection layer.
type VaultSecret struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	ConnectorID string    `json:"connectorId"`
	Name        string    `json:"name"`
	Value       string    `json:"value,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Tenant is the isolation boundary every domain record is scoped to.
type Tenant struct {
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active | suspended
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Role gates administrative operations.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAuditor  Role = "auditor"
	RoleAgent    Role = "agent"
	RoleService  Role = "service"
)

// TenantMember binds a user to a tenant with a role.
type TenantMember struct {
	MemberID  string    `json:"memberId"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ServiceAccount is a machine principal. Only the token hash is stored.
type ServiceAccount struct {
	AccountID  string     `json:"accountId"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"tokenHash"`
	Scopes     []string   `json:"scopes,omitempty"`
	Disabled   bool       `json:"disabled"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// AlertRoutingRule routes matching alerts to a delivery channel. Condition is
// a CEL expression over the alert/event fields, compiled at rule creation.
type AlertRoutingRule struct {
	RuleID     string    `json:"ruleId"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	Condition  string    `json:"condition"`
	Channel    string    `json:"channel"` // webhook | none
	WebhookURL string    `json:"webhookUrl,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EvidenceNode is a vertex in the evidence graph (action, receipt, event).
type EvidenceNode struct {
	NodeID    string    `json:"nodeId"`
	TenantID  string    `json:"tenantId"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entityId"`
	CreatedAt time.Time `json:"createdAt"`
}

// EvidenceEdge links two evidence nodes (e.g. action→receipt).
type EvidenceEdge struct {
	EdgeID    string    `json:"edgeId"`
	TenantID  string    `json:"tenantId"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"createdAt"`
}

// ControlMapping ties event types to a compliance control.
type ControlMapping struct {
	MappingID  string    `json:"mappingId"`
	TenantID   string    `json:"tenantId"`
	Framework  string    `json:"framework"` // e.g. SOC2, ISO27001
	ControlID  string    `json:"controlId"`
	EventTypes []string  `json:"eventTypes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LedgerRetentionPolicy is tenant-scoped ledger retention with legal hold.
type LedgerRetentionPolicy struct {
	TenantID      string    `json:"tenantId"`
	RetentionDays int       `json:"retentionDays"`
	LegalHold     bool      `json:"legalHold"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
	UpdatedBy     string    `json:"updatedBy,omitempty"`
}

// IdempotencyRecord captures one idempotent write. Unique on
// (tenantId, subject, endpoint, key).
type IdempotencyRecord struct {
	TenantID           string    `json:"tenantId"`
	Subject            string    `json:"subject"`
	Endpoint           string    `json:"endpoint"`
	Key                string    `json:"key"`
	RequestFingerprint string    `json:"requestFingerprint"`
	Response           []byte    `json:"response"`
	CreatedAt          time.Time `json:"createdAt"`
}
