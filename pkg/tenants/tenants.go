// Package tenants administers the isolation boundary: tenant records, user
// memberships with roles, and machine service accounts.
package tenants

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/identity"
	"github.com/oars-platform/oars/pkg/store"
)

// Recorder publishes security events.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Service is the tenant administration surface.
type Service struct {
	store  *store.Store
	events Recorder
	clock  func() time.Time
}

// NewService creates the tenant service.
func NewService(st *store.Store, events Recorder) *Service {
	return &Service{store: st, events: events, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateTenant provisions a new active tenant.
func (s *Service) CreateTenant(ctx context.Context, name string) (*contracts.Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierror.New(apierror.CodeValidation, "tenant name is required")
	}
	now := s.clock().UTC()
	tenant := &contracts.Tenant{
		TenantID:  contracts.NewID(contracts.PrefixTenant),
		Name:      name,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutTenant(ctx, tenant); err != nil {
		return nil, err
	}
	s.record(ctx, tenant.TenantID, "tenant.created", map[string]any{"name": name})
	return tenant, nil
}

// GetTenant returns one tenant.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (*contracts.Tenant, error) {
	return s.store.GetTenant(ctx, tenantID)
}

// ListTenants returns all tenants.
func (s *Service) ListTenants(ctx context.Context) ([]*contracts.Tenant, error) {
	return s.store.ListTenants(ctx)
}

// SetTenantStatus transitions a tenant between active and suspended.
func (s *Service) SetTenantStatus(ctx context.Context, tenantID, status string) (*contracts.Tenant, error) {
	if status != "active" && status != "suspended" {
		return nil, apierror.Newf(apierror.CodeValidation, "unknown tenant status %q", status)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tenant.Status = status
	tenant.UpdatedAt = s.clock().UTC()
	if err := s.store.PutTenant(ctx, tenant); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "tenant."+status, nil)
	return tenant, nil
}

func validRole(role contracts.Role) bool {
	switch role {
	case contracts.RoleAdmin, contracts.RoleOperator, contracts.RoleAuditor, contracts.RoleAgent, contracts.RoleService:
		return true
	}
	return false
}

// AddMember binds a user to the tenant. A user can hold only one membership
// per tenant.
func (s *Service) AddMember(ctx context.Context, tenantID, userID, email string, role contracts.Role) (*contracts.TenantMember, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apierror.New(apierror.CodeValidation, "userId is required")
	}
	if !validRole(role) {
		return nil, apierror.Newf(apierror.CodeValidation, "unknown role %q", role)
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	existing, err := s.store.GetMemberByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("user %s is already a member", userID), apierror.ErrConflict)
	}
	now := s.clock().UTC()
	member := &contracts.TenantMember{
		MemberID:  contracts.NewID(contracts.PrefixMember),
		TenantID:  tenantID,
		UserID:    userID,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutMember(ctx, member); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "tenant.member.added", map[string]any{"userId": userID, "role": string(role)})
	return member, nil
}

// UpdateMemberRole changes a member's role.
func (s *Service) UpdateMemberRole(ctx context.Context, tenantID, memberID string, role contracts.Role) (*contracts.TenantMember, error) {
	if !validRole(role) {
		return nil, apierror.Newf(apierror.CodeValidation, "unknown role %q", role)
	}
	member, err := s.store.GetMember(ctx, tenantID, memberID)
	if err != nil {
		return nil, err
	}
	member.Role = role
	member.UpdatedAt = s.clock().UTC()
	if err := s.store.PutMember(ctx, member); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "tenant.member.role_changed", map[string]any{"memberId": memberID, "role": string(role)})
	return member, nil
}

// ListMembers returns the tenant's memberships.
func (s *Service) ListMembers(ctx context.Context, tenantID string) ([]*contracts.TenantMember, error) {
	return s.store.ListMembers(ctx, tenantID)
}

// RemoveMember deletes one membership.
func (s *Service) RemoveMember(ctx context.Context, tenantID, memberID string) error {
	if _, err := s.store.GetMember(ctx, tenantID, memberID); err != nil {
		return err
	}
	if err := s.store.DeleteMember(ctx, tenantID, memberID); err != nil {
		return err
	}
	s.record(ctx, tenantID, "tenant.member.removed", map[string]any{"memberId": memberID})
	return nil
}

// CreatedServiceAccount pairs the stored account with the raw token, which is
// shown exactly once.
type CreatedServiceAccount struct {
	Account *contracts.ServiceAccount `json:"account"`
	Token   string                    `json:"token"`
}

// CreateServiceAccount mints a machine principal. Only the token hash is
// persisted.
func (s *Service) CreateServiceAccount(ctx context.Context, tenantID, name string, scopes []string) (*CreatedServiceAccount, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierror.New(apierror.CodeValidation, "service account name is required")
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("tenants: generate token: %w", err)
	}
	token := "oars_sa_" + hex.EncodeToString(raw)
	account := &contracts.ServiceAccount{
		AccountID: contracts.NewID(contracts.PrefixServiceAccount),
		TenantID:  tenantID,
		Name:      name,
		TokenHash: identity.HashToken(token),
		Scopes:    scopes,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.PutServiceAccount(ctx, account); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "tenant.service_account.created", map[string]any{"accountId": account.AccountID, "name": name})
	return &CreatedServiceAccount{Account: account, Token: token}, nil
}

// ListServiceAccounts returns the tenant's machine principals.
func (s *Service) ListServiceAccounts(ctx context.Context, tenantID string) ([]*contracts.ServiceAccount, error) {
	return s.store.ListServiceAccounts(ctx, tenantID)
}

// DisableServiceAccount revokes a token without deleting its audit trail.
func (s *Service) DisableServiceAccount(ctx context.Context, tenantID, accountID string) (*contracts.ServiceAccount, error) {
	account, err := s.store.GetServiceAccount(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	account.Disabled = true
	if err := s.store.PutServiceAccount(ctx, account); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "tenant.service_account.disabled", map[string]any{"accountId": accountID})
	return account, nil
}

func (s *Service) record(ctx context.Context, tenantID, eventType string, details map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		TenantID: tenantID,
		Type:     eventType,
		Details:  details,
	})
}
