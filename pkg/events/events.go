// Package events publishes security events to every audit surface at once:
// the store (queries), the immutable ledger (tamper evidence), an optional
// NDJSON file sink, and the SIEM forwarder.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/ledger"
	"github.com/oars-platform/oars/pkg/store"
)

// Forwarder pushes events toward external SIEM targets. Delivery failures
// are the forwarder's problem (retry queue); Record never blocks on them.
type Forwarder interface {
	Deliver(ctx context.Context, event *contracts.SecurityEvent)
}

// Service is the event publication surface.
type Service struct {
	store     *store.Store
	ledger    *ledger.Service
	forwarder Forwarder
	logger    *slog.Logger
	clock     func() time.Time

	sinkMu   sync.Mutex
	sinkPath string
}

// NewService creates the event service. ledger, forwarder and sinkPath are
// each optional; logger defaults to slog.Default.
func NewService(st *store.Store, lg *ledger.Service, forwarder Forwarder, sinkPath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		ledger:    lg,
		forwarder: forwarder,
		sinkPath:  sinkPath,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Record publishes one event everywhere. Store and ledger failures are
// returned; sink and SIEM failures are logged and absorbed.
func (s *Service) Record(ctx context.Context, event *contracts.SecurityEvent) error {
	if event.EventID == "" {
		event.EventID = contracts.NewID(contracts.PrefixEvent)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock().UTC()
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	if err := s.store.PutSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("events: persist %s: %w", event.EventID, err)
	}
	if s.ledger != nil {
		if _, err := s.ledger.AppendSecurityEvent(event); err != nil {
			return fmt.Errorf("events: ledger append %s: %w", event.EventID, err)
		}
	}
	if err := s.appendToSink(event); err != nil {
		s.logger.Warn("event file sink write failed",
			"eventId", event.EventID, "error", err)
	}
	if s.forwarder != nil {
		s.forwarder.Deliver(ctx, event)
	}
	s.logger.Debug("security event recorded",
		"eventId", event.EventID, "tenantId", event.TenantID, "type", event.Type)
	return nil
}

// List pages the tenant's events newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) (store.Page[*contracts.SecurityEvent], error) {
	return s.store.ListSecurityEvents(ctx, tenantID, limit, offset)
}

func (s *Service) appendToSink(event *contracts.SecurityEvent) error {
	if s.sinkPath == "" {
		return nil
	}
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.sinkPath), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.sinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(raw, '\n'))
	return err
}
