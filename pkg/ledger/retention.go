package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
)

// DefaultRetentionDays applies when a tenant has no retention policy.
const DefaultRetentionDays = 365

// RetentionStore persists per-tenant retention policies.
type RetentionStore interface {
	GetRetentionPolicy(ctx context.Context, tenantID string) (*contracts.LedgerRetentionPolicy, error)
	PutRetentionPolicy(ctx context.Context, policy *contracts.LedgerRetentionPolicy) error
}

// Governance couples the ledger with tenant retention policy and legal hold.
type Governance struct {
	ledger *Service
	store  RetentionStore
	clock  func() time.Time
}

// NewGovernance creates the retention governance surface.
func NewGovernance(ledger *Service, store RetentionStore) *Governance {
	return &Governance{ledger: ledger, store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *Governance) WithClock(clock func() time.Time) *Governance {
	g.clock = clock
	return g
}

// SetPolicy creates or updates the tenant retention policy.
func (g *Governance) SetPolicy(ctx context.Context, tenantID string, retentionDays int, legalHold bool, reason, updatedBy string) (*contracts.LedgerRetentionPolicy, error) {
	if retentionDays < 1 {
		return nil, apierror.Newf(apierror.CodeValidation, "retentionDays must be >= 1, got %d", retentionDays)
	}
	policy := &contracts.LedgerRetentionPolicy{
		TenantID:      tenantID,
		RetentionDays: retentionDays,
		LegalHold:     legalHold,
		Reason:        reason,
		UpdatedAt:     g.clock().UTC(),
		UpdatedBy:     updatedBy,
	}
	if err := g.store.PutRetentionPolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("retention: persist policy: %w", err)
	}
	return policy, nil
}

// GetPolicy returns the tenant policy, or the default when none is set.
func (g *Governance) GetPolicy(ctx context.Context, tenantID string) (*contracts.LedgerRetentionPolicy, error) {
	policy, err := g.store.GetRetentionPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return &contracts.LedgerRetentionPolicy{TenantID: tenantID, RetentionDays: DefaultRetentionDays}, nil
	}
	return policy, nil
}

// ApplyPolicy prunes the tenant's expired entries per its retention policy.
// A legal hold blocks pruning entirely.
func (g *Governance) ApplyPolicy(ctx context.Context, tenantID string, now time.Time) (*PruneResult, error) {
	policy, err := g.GetPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if policy.LegalHold {
		return nil, apierror.Wrap(apierror.CodeConflict,
			fmt.Sprintf("tenant %s is under legal hold; retention cannot be applied", tenantID),
			apierror.ErrInvalidState)
	}
	if now.IsZero() {
		now = g.clock()
	}
	return g.ledger.PruneTenantEntries(tenantID, policy.RetentionDays, now)
}
