// Package idempotency replays stored responses for repeated writes carrying
// the same Idempotency-Key, scoped to (tenant, subject, endpoint, key).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/canonicalize"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// DefaultRetention bounds how long records are replayed before pruning.
const DefaultRetention = 24 * time.Hour

// Service mediates idempotent writes.
type Service struct {
	store *store.Store
	clock func() time.Time
}

// NewService creates the idempotency service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Fingerprint hashes the request body in canonical JSON form, so key order
// and whitespace differences do not break replay matching.
func Fingerprint(body any) (string, error) {
	if body == nil {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	return canonicalize.CanonicalHash(body)
}

// Check looks up the scope tuple. It returns the stored response when the
// same request was already processed, nil when the key is new, and an
// idempotency conflict when the key is reused with a different body.
func (s *Service) Check(ctx context.Context, tenantID, subject, endpoint, key, fingerprint string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.store.GetIdempotency(ctx, tenantID, subject, endpoint, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestFingerprint != fingerprint {
		return nil, apierror.New(apierror.CodeIdempotencyConflict,
			"idempotency key was already used with a different request body")
	}
	return rec.Response, nil
}

// Record stores the response for later replay. A no-op without a key.
func (s *Service) Record(ctx context.Context, tenantID, subject, endpoint, key, fingerprint string, response []byte) error {
	if key == "" {
		return nil
	}
	return s.store.PutIdempotency(ctx, &contracts.IdempotencyRecord{
		TenantID:           tenantID,
		Subject:            subject,
		Endpoint:           endpoint,
		Key:                key,
		RequestFingerprint: fingerprint,
		Response:           response,
		CreatedAt:          s.clock().UTC(),
	})
}

// Prune deletes records older than the retention window and reports how
// many were removed.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return s.store.PruneIdempotency(ctx, s.clock().UTC().Add(-retention))
}
