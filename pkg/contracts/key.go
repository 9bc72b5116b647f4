package contracts

import "time"

// KeyStatus is the lifecycle state of a tenant signing key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyRetiring KeyStatus = "retiring"
	KeyRetired  KeyStatus = "retired"
)

// TenantKey holds one Ed25519 keypair for a tenant. At most one active key
// per tenant; rotation demotes the prior active key to retiring.
type TenantKey struct {
	KeyID         string     `json:"keyId"`
	TenantID      string     `json:"tenantId"`
	PublicKeyPEM  string     `json:"publicKeyPem"`
	PrivateKeyPEM string     `json:"privateKeyPem,omitempty"`
	Status        KeyStatus  `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	RotatedAt     *time.Time `json:"rotatedAt,omitempty"`
}

// PublicOnly strips the private key material for external exposure.
func (k TenantKey) PublicOnly() TenantKey {
	k.PrivateKeyPEM = ""
	return k
}
