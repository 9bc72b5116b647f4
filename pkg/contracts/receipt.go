package contracts

import "time"

// ReceiptSchemaVersion is the current on-wire receipt schema version.
const ReceiptSchemaVersion = "1"

// ReceiptType names the transition a receipt records.
type ReceiptType string

const (
	ReceiptRequested        ReceiptType = "requested"
	ReceiptDenied           ReceiptType = "denied"
	ReceiptApprovalRequired ReceiptType = "approval_required"
	ReceiptApproved         ReceiptType = "approved"
	ReceiptQuarantined      ReceiptType = "quarantined"
	ReceiptExecuted         ReceiptType = "executed"
	ReceiptFailed           ReceiptType = "failed"
)

// ReceiptIntegrity carries the signature over the canonical receipt payload.
type ReceiptIntegrity struct {
	SigningKeyID string `json:"signingKeyId"`
	Signature    string `json:"signature"`
	PayloadHash  string `json:"payloadHash"`
}

// Receipt is a signed, chained record of one transition in an action's
// lifecycle. PayloadHash = SHA-256(JCS(receipt minus integrity)).
type Receipt struct {
	ReceiptID         string            `json:"receiptId"`
	ActionID          string            `json:"actionId"`
	TenantID          string            `json:"tenantId"`
	Type              ReceiptType       `json:"type"`
	Timestamp         time.Time         `json:"timestamp"`
	SchemaVersion     string            `json:"schemaVersion"`
	Resource          Resource          `json:"resource"`
	Actor             Actor             `json:"actor"`
	Policy            PolicyOutcome     `json:"policy"`
	Risk              RiskSnapshot      `json:"risk"`
	PreviousReceiptID *string           `json:"previousReceiptId"`
	Integrity         *ReceiptIntegrity `json:"integrity,omitempty"`
}

// Unsigned returns a copy of the receipt with integrity removed, the form
// over which payloadHash and the signature are computed.
func (r Receipt) Unsigned() Receipt {
	r.Integrity = nil
	return r
}

// VerificationResult reports the outcome of receipt verification.
type VerificationResult struct {
	IsSignatureValid   bool     `json:"isSignatureValid"`
	IsChainValid       bool     `json:"isChainValid"`
	IsSchemaValid      bool     `json:"isSchemaValid"`
	VerificationErrors []string `json:"verificationErrors"`
}

// Valid reports whether every check passed.
func (v VerificationResult) Valid() bool {
	return v.IsSignatureValid && v.IsChainValid && v.IsSchemaValid
}
