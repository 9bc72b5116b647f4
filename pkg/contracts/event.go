package contracts

import "time"

// SecurityEvent is a domain event published into the ledger, store and SIEM.
type SecurityEvent struct {
	EventID    string         `json:"eventId"`
	TenantID   string         `json:"tenantId"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Details    map[string]any `json:"details,omitempty"`
}

// DeadLetterStatus tracks the lifecycle of a SIEM dead letter.
type DeadLetterStatus string

const (
	DeadLetterOpen     DeadLetterStatus = "open"
	DeadLetterReplayed DeadLetterStatus = "replayed"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// SiemDeadLetter records an event that exhausted retries for one target.
type SiemDeadLetter struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	TargetID    string           `json:"targetId"`
	EventID     string           `json:"eventId"`
	Event       SecurityEvent    `json:"event"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	FailedAt    time.Time        `json:"failedAt"`
	ReplayCount int              `json:"replayCount"`
	Status      DeadLetterStatus `json:"status"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Alert is an operator-facing notification produced by alert routing.
type Alert struct {
	AlertID    string         `json:"alertId"`
	TenantID   string         `json:"tenantId"`
	Outcome    string         `json:"outcome"`
	ActionID   string         `json:"actionId,omitempty"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	RuleID     string         `json:"ruleId,omitempty"`
	Delivered  bool           `json:"delivered"`
	DeliverVia string         `json:"deliverVia,omitempty"`
}
