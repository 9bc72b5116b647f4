// Package vault manages tenant-scoped connector secrets. Values are written
// through the store's protection layer and never appear in listings; only
// connector execution reads them back.
package vault

import (
	"context"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// Recorder receives security events for audit. Optional.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Service is the secret management surface.
type Service struct {
	store  *store.Store
	events Recorder
	clock  func() time.Time
}

// NewService creates the vault. events may be nil.
func NewService(st *store.Store, events Recorder) *Service {
	return &Service{store: st, events: events, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// SetSecret creates or replaces a connector secret.
func (s *Service) SetSecret(ctx context.Context, tenantID, connectorID, name, value, actor string) (*contracts.VaultSecret, error) {
	if tenantID == "" {
		return nil, apierror.Wrap(apierror.CodeTenantRequired, "tenant is required", apierror.ErrTenantRequired)
	}
	if strings.TrimSpace(connectorID) == "" || strings.TrimSpace(name) == "" {
		return nil, apierror.New(apierror.CodeValidation, "connectorId and name are required")
	}
	if value == "" {
		return nil, apierror.New(apierror.CodeValidation, "secret value must not be empty")
	}
	now := s.clock().UTC()
	existing, err := s.store.GetVaultSecret(ctx, tenantID, connectorID, name)
	if err != nil {
		return nil, err
	}
	secret := &contracts.VaultSecret{
		TenantID:    tenantID,
		ConnectorID: connectorID,
		Name:        name,
		Value:       value,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		secret.CreatedAt = existing.CreatedAt
	}
	if err := s.store.PutVaultSecret(ctx, secret); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "vault.secret.written", actor, map[string]any{
		"connectorId": connectorID,
		"name":        name,
		"replaced":    existing != nil,
	})
	out := *secret
	out.Value = ""
	return &out, nil
}

// GetSecretValue returns the decrypted value for connector execution. Callers
// must not place the value in logs, receipts or events.
func (s *Service) GetSecretValue(ctx context.Context, tenantID, connectorID, name string) (string, error) {
	secret, err := s.store.GetVaultSecret(ctx, tenantID, connectorID, name)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", apierror.Wrap(apierror.CodeNotFound,
			"secret "+name+" not found for connector "+connectorID, apierror.ErrNotFound)
	}
	return secret.Value, nil
}

// ListSecrets returns the connector's secret metadata, values stripped.
func (s *Service) ListSecrets(ctx context.Context, tenantID, connectorID string) ([]*contracts.VaultSecret, error) {
	return s.store.ListVaultSecrets(ctx, tenantID, connectorID)
}

// DeleteSecret removes a secret and records the deletion.
func (s *Service) DeleteSecret(ctx context.Context, tenantID, connectorID, name, actor string) error {
	existing, err := s.store.GetVaultSecret(ctx, tenantID, connectorID, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return apierror.Wrap(apierror.CodeNotFound,
			"secret "+name+" not found for connector "+connectorID, apierror.ErrNotFound)
	}
	if err := s.store.DeleteVaultSecret(ctx, tenantID, connectorID, name); err != nil {
		return err
	}
	s.record(ctx, tenantID, "vault.secret.deleted", actor, map[string]any{
		"connectorId": connectorID,
		"name":        name,
	})
	return nil
}

func (s *Service) record(ctx context.Context, tenantID, eventType, actor string, details map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		EventID:    contracts.NewID(contracts.PrefixEvent),
		TenantID:   tenantID,
		Type:       eventType,
		Severity:   "info",
		Subject:    actor,
		OccurredAt: s.clock().UTC(),
		Details:    details,
	})
}
