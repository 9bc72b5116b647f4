// Package signing manages per-tenant Ed25519 signing keys: creation,
// rotation (active → retiring → retired) and sign/verify over receipt
// payload hashes. Private keys never leave the process.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Service is the signing key service. Persistence is a single JSON document;
// writes are full-file with parent-directory creation.
type Service struct {
	mu    sync.RWMutex
	path  string
	keys  map[string]*contracts.TenantKey // keyId → key
	clock func() time.Time
}

// RotationResult reports the outcome of a key rotation.
type RotationResult struct {
	NewKeyID            string    `json:"newKeyId"`
	PreviousActiveKeyID string    `json:"previousActiveKeyId,omitempty"`
	RotatedAt           time.Time `json:"rotatedAt"`
}

// Signature binds a signature to the key that produced it.
type Signature struct {
	Signature string `json:"signature"` // base64
	KeyID     string `json:"keyId"`
}

// NewService loads (or initializes) the key document at path.
func NewService(path string) (*Service, error) {
	s := &Service{path: path, keys: make(map[string]*contracts.TenantKey), clock: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signing: read key document: %w", err)
	}
	var doc struct {
		Keys []*contracts.TenantKey `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("signing: parse key document: %w", err)
	}
	for _, k := range doc.Keys {
		s.keys[k.KeyID] = k
	}
	if s.repairActiveDuplicates() {
		// Write the repaired document back so the repair happens once, not
		// on every restart.
		if err := s.save(); err != nil {
			return err
		}
	}
	return nil
}

// repairActiveDuplicates keeps the newest active key per tenant and demotes
// the rest to retiring. Runs on load to recover from corrupted documents.
// Reports whether anything was demoted.
func (s *Service) repairActiveDuplicates() bool {
	actives := make(map[string][]*contracts.TenantKey)
	for _, k := range s.keys {
		if k.Status == contracts.KeyActive {
			actives[k.TenantID] = append(actives[k.TenantID], k)
		}
	}
	repaired := false
	for _, keys := range actives {
		if len(keys) < 2 {
			continue
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
		for _, stale := range keys[1:] {
			stale.Status = contracts.KeyRetiring
			repaired = true
		}
	}
	return repaired
}

func (s *Service) save() error {
	keys := make([]*contracts.TenantKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	raw, err := json.MarshalIndent(struct {
		Keys []*contracts.TenantKey `json:"keys"`
	}{keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("signing: marshal key document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("signing: create key directory: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("signing: write key document: %w", err)
	}
	return nil
}

// GetOrCreateTenantKey returns the tenant's active key, generating one if the
// tenant has none.
func (s *Service) GetOrCreateTenantKey(tenantID string) (*contracts.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k := s.activeKeyLocked(tenantID); k != nil {
		return k, nil
	}
	k, err := s.generateLocked(tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	return k, nil
}

// RotateTenantKey generates a new active key and demotes the previous active
// key to retiring. Retired keys remain usable for verification.
func (s *Service) RotateTenantKey(tenantID string) (*RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	result := &RotationResult{RotatedAt: now}

	if prev := s.activeKeyLocked(tenantID); prev != nil {
		prev.Status = contracts.KeyRetiring
		prev.RotatedAt = &now
		result.PreviousActiveKeyID = prev.KeyID
	}
	k, err := s.generateLocked(tenantID)
	if err != nil {
		return nil, err
	}
	result.NewKeyID = k.KeyID
	if err := s.save(); err != nil {
		return nil, err
	}
	return result, nil
}

// Sign signs data with the tenant's current active key.
func (s *Service) Sign(tenantID string, data []byte) (*Signature, error) {
	s.mu.Lock()
	var key *contracts.TenantKey
	if key = s.activeKeyLocked(tenantID); key == nil {
		var err error
		if key, err = s.generateLocked(tenantID); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if err := s.save(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	priv, err := parsePrivateKey(key.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, data)
	return &Signature{
		Signature: base64.StdEncoding.EncodeToString(sig),
		KeyID:     key.KeyID,
	}, nil
}

// Verify checks a signature against any historical key by id. Unknown key ids
// and malformed signatures report false, never an error.
func (s *Service) Verify(data []byte, signature, keyID string) bool {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return VerifyWithPEM(data, signature, key.PublicKeyPEM)
}

// HasKey reports whether a key id is known to the service.
func (s *Service) HasKey(keyID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[keyID]
	return ok
}

// VerifyWithPEM verifies an Ed25519 signature against a PEM public key.
func VerifyWithPEM(data []byte, signature, publicKeyPEM string) bool {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// ListTenantKeys returns every key for a tenant, newest first, including
// private key material. Intended for in-process use only.
func (s *Service) ListTenantKeys(tenantID string) []*contracts.TenantKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*contracts.TenantKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			copied := *k
			keys = append(keys, &copied)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys
}

// ListTenantPublicKeys returns the tenant's keys without private material.
func (s *Service) ListTenantPublicKeys(tenantID string) []contracts.TenantKey {
	keys := s.ListTenantKeys(tenantID)
	public := make([]contracts.TenantKey, 0, len(keys))
	for _, k := range keys {
		public = append(public, k.PublicOnly())
	}
	return public
}

func (s *Service) activeKeyLocked(tenantID string) *contracts.TenantKey {
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Status == contracts.KeyActive {
			return k
		}
	}
	return nil
}

func (s *Service) generateLocked(tenantID string) (*contracts.TenantKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: key generation failed: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signing: encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("signing: encode public key: %w", err)
	}
	k := &contracts.TenantKey{
		KeyID:         contracts.NewID(contracts.PrefixKey),
		TenantID:      tenantID,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		Status:        contracts.KeyActive,
		CreatedAt:     s.clock().UTC(),
	}
	s.keys[k.KeyID] = k
	return k, nil
}

func parsePrivateKey(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("signing: invalid private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing: not an Ed25519 private key")
	}
	return priv, nil
}

// ParsePublicKey parses a PEM-encoded Ed25519 public key.
func ParsePublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("signing: invalid public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: not an Ed25519 public key")
	}
	return pub, nil
}
