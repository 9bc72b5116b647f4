// Package receipt builds, chains and verifies the signed receipts that
// record every transition in an action's lifecycle. Each receipt is hashed
// over its canonical JSON form, signed with the tenant's active Ed25519 key,
// appended to the immutable ledger and linked into the evidence graph.
package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/oars-platform/oars/pkg/canonicalize"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/ledger"
	"github.com/oars-platform/oars/pkg/signing"
	"github.com/oars-platform/oars/pkg/store"
)

// Recorder receives security events for audit. Optional.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Linker adds receipts to the evidence graph. Optional.
type Linker interface {
	Link(ctx context.Context, tenantID, fromKind, fromEntityID, toKind, toEntityID, relation string) (*contracts.EvidenceEdge, error)
}

// Metrics counts signed receipts by type. Optional.
type Metrics interface {
	RecordReceipt(ctx context.Context, receiptType string)
}

// Service creates and verifies receipts.
type Service struct {
	store    *store.Store
	signing  *signing.Service
	ledger   *ledger.Service
	events   Recorder
	evidence Linker
	metrics  Metrics
	clock    func() time.Time
}

// NewService creates the receipt service. ledger, events and evidence may be
// nil in reduced deployments; store and signing are required.
func NewService(st *store.Store, sg *signing.Service, lg *ledger.Service, events Recorder, evidence Linker) *Service {
	return &Service{store: st, signing: sg, ledger: lg, events: events, evidence: evidence, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithMetrics attaches a receipt counter.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// CreateParams describes one receipt to emit.
type CreateParams struct {
	Action    *contracts.Action
	Type      contracts.ReceiptType
	Policy    contracts.PolicyOutcome
	Risk      contracts.RiskSnapshot
	RequestID string
}

// CreateReceipt emits the next receipt in the action's chain: snapshot,
// canonical hash, signature, persistence, ledger append, security event and
// evidence edges.
func (s *Service) CreateReceipt(ctx context.Context, params CreateParams) (*contracts.Receipt, error) {
	action := params.Action
	prior, err := s.store.ListReceiptsByAction(ctx, action.TenantID, action.ActionID)
	if err != nil {
		return nil, err
	}
	var previousID *string
	if len(prior) > 0 {
		id := prior[len(prior)-1].ReceiptID
		previousID = &id
	}

	r := &contracts.Receipt{
		ReceiptID:         contracts.NewID(contracts.PrefixReceipt),
		ActionID:          action.ActionID,
		TenantID:          action.TenantID,
		Type:              params.Type,
		Timestamp:         s.clock().UTC(),
		SchemaVersion:     contracts.ReceiptSchemaVersion,
		Resource:          action.Resource,
		Actor:             action.Actor,
		Policy:            params.Policy,
		Risk:              params.Risk,
		PreviousReceiptID: previousID,
	}

	payloadHash, err := canonicalize.CanonicalHash(r.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("receipt: canonical hash: %w", err)
	}
	sig, err := s.signing.Sign(action.TenantID, []byte(payloadHash))
	if err != nil {
		return nil, fmt.Errorf("receipt: sign: %w", err)
	}
	r.Integrity = &contracts.ReceiptIntegrity{
		SigningKeyID: sig.KeyID,
		Signature:    sig.Signature,
		PayloadHash:  payloadHash,
	}

	if err := s.store.PutReceipt(ctx, r); err != nil {
		return nil, err
	}
	if s.ledger != nil {
		if _, err := s.ledger.AppendReceipt(r); err != nil {
			return nil, fmt.Errorf("receipt: ledger append: %w", err)
		}
	}
	if s.events != nil {
		_ = s.events.Record(ctx, &contracts.SecurityEvent{
			EventID:    contracts.NewID(contracts.PrefixEvent),
			TenantID:   action.TenantID,
			Type:       "receipt.created",
			Severity:   "info",
			OccurredAt: r.Timestamp,
			Details: map[string]any{
				"receiptId":   r.ReceiptID,
				"actionId":    action.ActionID,
				"receiptType": string(params.Type),
				"requestId":   params.RequestID,
			},
		})
	}
	if s.evidence != nil {
		if _, err := s.evidence.Link(ctx, action.TenantID, "action", action.ActionID, "receipt", r.ReceiptID, "produced"); err != nil {
			return nil, err
		}
		if previousID != nil {
			if _, err := s.evidence.Link(ctx, action.TenantID, "receipt", *previousID, "receipt", r.ReceiptID, "precedes"); err != nil {
				return nil, err
			}
		}
	}
	if s.metrics != nil {
		s.metrics.RecordReceipt(ctx, string(params.Type))
	}
	return r, nil
}

// GetReceipt returns the tenant's receipt by id.
func (s *Service) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	return s.store.GetReceipt(ctx, tenantID, receiptID)
}

// ListByAction returns the action's receipt chain, oldest first.
func (s *Service) ListByAction(ctx context.Context, tenantID, actionID string) ([]*contracts.Receipt, error) {
	return s.store.ListReceiptsByAction(ctx, tenantID, actionID)
}
