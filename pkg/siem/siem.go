// Package siem fans security events out to downstream SIEM targets and keeps
// delivering through outages: failed sends land in a disk-persisted retry
// queue drained by a background scheduler, and exhausted retries move to a
// dead-letter store with tenant-scoped replay.
package siem

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// Retry defaults applied when RetryConfig fields are zero.
const (
	DefaultRetryInterval = 30 * time.Second
	DefaultMaxAttempts   = 5
	DefaultMaxQueueSize  = 1000
)

// RetryConfig tunes the retry queue and scheduler.
type RetryConfig struct {
	Interval     time.Duration
	MaxAttempts  int
	MaxQueueSize int
	QueuePath    string
	AutoStart    bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	return c
}

// TargetMetrics counts delivery outcomes for one target.
type TargetMetrics struct {
	TargetID     string `json:"targetId"`
	SuccessCount int64  `json:"successCount"`
	FailureCount int64  `json:"failureCount"`
	LastError    string `json:"lastError,omitempty"`
}

// Telemetry mirrors per-target delivery outcomes to external metrics.
// Optional.
type Telemetry interface {
	RecordSiemDelivery(ctx context.Context, targetID string, succeeded bool)
}

// Service delivers events to every enabled target. It satisfies the event
// service's Forwarder interface.
type Service struct {
	store     *store.Store
	logger    *slog.Logger
	config    RetryConfig
	telemetry Telemetry
	clock     func() time.Time

	mu                sync.Mutex
	targets           []Target
	targetsByID       map[string]Target
	queue             []*retryItem
	queuePath         string
	metrics           map[string]*TargetMetrics
	backpressureDrops int64
	inProgress        bool
	stopScheduler     chan struct{}
}

// NewService builds the delivery service from target configs. Disabled
// targets are skipped. The persisted retry queue, if any, is re-loaded.
func NewService(st *store.Store, configs []TargetConfig, retry RetryConfig, client *http.Client, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:       st,
		logger:      logger,
		config:      retry.withDefaults(),
		clock:       time.Now,
		targetsByID: map[string]Target{},
		metrics:     map[string]*TargetMetrics{},
		queuePath:   retry.QueuePath,
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		target, err := BuildTarget(cfg, client)
		if err != nil {
			return nil, err
		}
		s.targets = append(s.targets, target)
		s.targetsByID[target.ID()] = target
		s.metrics[target.ID()] = &TargetMetrics{TargetID: target.ID()}
	}
	if err := s.loadQueue(); err != nil {
		return nil, err
	}
	if s.config.AutoStart {
		s.StartRetryScheduler()
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTelemetry mirrors delivery outcomes to an external counter.
func (s *Service) WithTelemetry(t Telemetry) *Service {
	s.telemetry = t
	return s
}

// Deliver sends the event to every target synchronously. Failures go to the
// retry queue; Deliver itself never reports them upstream.
func (s *Service) Deliver(ctx context.Context, event *contracts.SecurityEvent) {
	for _, target := range s.targets {
		if err := target.Deliver(ctx, event); err != nil {
			s.recordFailure(ctx, target.ID(), err)
			s.enqueueRetry(target.ID(), event, 1, err)
			continue
		}
		s.recordSuccess(ctx, target.ID())
	}
}

// ReplayToTarget sends one event to a single named target, bypassing the
// queue.
func (s *Service) ReplayToTarget(ctx context.Context, targetID string, event *contracts.SecurityEvent) error {
	s.mu.Lock()
	target, ok := s.targetsByID[targetID]
	s.mu.Unlock()
	if !ok {
		return apierror.Wrap(apierror.CodeNotFound, fmt.Sprintf("siem target %s not configured", targetID), apierror.ErrNotFound)
	}
	if err := target.Deliver(ctx, event); err != nil {
		s.recordFailure(ctx, targetID, err)
		return fmt.Errorf("siem: replay to %s: %w", targetID, err)
	}
	s.recordSuccess(ctx, targetID)
	return nil
}

// StartRetryScheduler launches the background drain loop. Calling it twice
// is a no-op.
func (s *Service) StartRetryScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopScheduler != nil {
		return
	}
	stop := make(chan struct{})
	s.stopScheduler = stop
	interval := s.config.Interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.runCycle(context.Background(), false)
			}
		}
	}()
}

// StopRetryScheduler halts the drain loop.
func (s *Service) StopRetryScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopScheduler != nil {
		close(s.stopScheduler)
		s.stopScheduler = nil
	}
}

// FlushQueue forces one retry cycle ignoring due times.
func (s *Service) FlushQueue(ctx context.Context) {
	s.runCycle(ctx, true)
}

// QueueLength reports the number of pending retry items.
func (s *Service) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BackpressureDropCount reports how many items were evicted to make room.
func (s *Service) BackpressureDropCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backpressureDrops
}

// Metrics returns a snapshot of per-target counters, sorted by target id.
func (s *Service) Metrics() []TargetMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TargetMetrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// runCycle retries every due item once. The inProgress flag keeps ticks from
// overlapping when a slow target outlasts the interval.
func (s *Service) runCycle(ctx context.Context, force bool) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return
	}
	s.inProgress = true
	now := s.clock().UTC()
	var due, waiting []*retryItem
	for _, item := range s.queue {
		if force || !item.NextAttemptAt.After(now) {
			due = append(due, item)
		} else {
			waiting = append(waiting, item)
		}
	}
	s.queue = waiting
	s.mu.Unlock()

	var failed []*retryItem
	for _, item := range due {
		target, ok := s.lookupTarget(item.TargetID)
		if !ok {
			// Target was removed from configuration; drop the item.
			s.logger.Warn("dropping retry item for unconfigured target", "targetId", item.TargetID)
			continue
		}
		err := target.Deliver(ctx, item.Event)
		if err == nil {
			s.recordSuccess(ctx, item.TargetID)
			continue
		}
		s.recordFailure(ctx, item.TargetID, err)
		item.Attempts++
		item.LastError = err.Error()
		if item.Attempts >= s.config.MaxAttempts {
			s.deadLetter(ctx, item)
			continue
		}
		backoff := time.Duration(min(4, item.Attempts)) * s.config.Interval
		item.NextAttemptAt = now.Add(backoff)
		failed = append(failed, item)
	}

	s.mu.Lock()
	s.queue = append(s.queue, failed...)
	if err := s.saveQueue(); err != nil {
		s.logger.Error("retry queue persist failed", "error", err)
	}
	s.inProgress = false
	s.mu.Unlock()
}

func (s *Service) lookupTarget(id string) (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targetsByID[id]
	return t, ok
}

func (s *Service) enqueueRetry(targetID string, event *contracts.SecurityEvent, attempts int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.config.MaxQueueSize {
		// Evict the entry closest to retrying so the newest failure keeps
		// its slot.
		evict := 0
		for i, item := range s.queue {
			if item.NextAttemptAt.Before(s.queue[evict].NextAttemptAt) {
				evict = i
			}
		}
		s.queue = append(s.queue[:evict], s.queue[evict+1:]...)
		s.backpressureDrops++
	}
	s.queue = append(s.queue, &retryItem{
		TargetID:      targetID,
		Event:         event,
		Attempts:      attempts,
		NextAttemptAt: s.clock().UTC().Add(s.config.Interval),
		LastError:     cause.Error(),
	})
	if err := s.saveQueue(); err != nil {
		s.logger.Error("retry queue persist failed", "error", err)
	}
}

func (s *Service) deadLetter(ctx context.Context, item *retryItem) {
	now := s.clock().UTC()
	dead := &contracts.SiemDeadLetter{
		ID:        contracts.NewID(contracts.PrefixDeadLetter),
		TenantID:  item.Event.TenantID,
		TargetID:  item.TargetID,
		EventID:   item.Event.EventID,
		Event:     *item.Event,
		Attempts:  item.Attempts,
		LastError: item.LastError,
		FailedAt:  now,
		Status:    contracts.DeadLetterOpen,
		UpdatedAt: now,
	}
	if err := s.store.PutDeadLetter(ctx, dead); err != nil {
		s.logger.Error("dead letter persist failed",
			"targetId", item.TargetID, "eventId", item.Event.EventID, "error", err)
		return
	}
	s.logger.Warn("event moved to dead letter storage",
		"deadLetterId", dead.ID, "targetId", item.TargetID, "eventId", item.Event.EventID,
		"attempts", item.Attempts)
}

func (s *Service) recordSuccess(ctx context.Context, targetID string) {
	s.mu.Lock()
	if m, ok := s.metrics[targetID]; ok {
		m.SuccessCount++
	}
	s.mu.Unlock()
	if s.telemetry != nil {
		s.telemetry.RecordSiemDelivery(ctx, targetID, true)
	}
}

func (s *Service) recordFailure(ctx context.Context, targetID string, err error) {
	s.mu.Lock()
	if m, ok := s.metrics[targetID]; ok {
		m.FailureCount++
		m.LastError = err.Error()
	}
	s.mu.Unlock()
	if s.telemetry != nil {
		s.telemetry.RecordSiemDelivery(ctx, targetID, false)
	}
}

// ListDeadLetters pages the tenant's dead letters, optionally filtered by
// status.
func (s *Service) ListDeadLetters(ctx context.Context, tenantID string, status contracts.DeadLetterStatus) ([]*contracts.SiemDeadLetter, error) {
	return s.store.ListDeadLetters(ctx, tenantID, status)
}

// ReplayDeadLetter re-sends a dead letter to its original target and marks
// it replayed. Cross-tenant access fails as not found.
func (s *Service) ReplayDeadLetter(ctx context.Context, tenantID, deadLetterID string) (*contracts.SiemDeadLetter, error) {
	dead, err := s.store.GetDeadLetter(ctx, tenantID, deadLetterID)
	if err != nil {
		return nil, err
	}
	if err := s.ReplayToTarget(ctx, dead.TargetID, &dead.Event); err != nil {
		return nil, err
	}
	dead.Status = contracts.DeadLetterReplayed
	dead.ReplayCount++
	dead.UpdatedAt = s.clock().UTC()
	if err := s.store.PutDeadLetter(ctx, dead); err != nil {
		return nil, err
	}
	return dead, nil
}

// ResolveDeadLetter closes a dead letter without re-sending it.
func (s *Service) ResolveDeadLetter(ctx context.Context, tenantID, deadLetterID string) (*contracts.SiemDeadLetter, error) {
	dead, err := s.store.GetDeadLetter(ctx, tenantID, deadLetterID)
	if err != nil {
		return nil, err
	}
	dead.Status = contracts.DeadLetterResolved
	dead.UpdatedAt = s.clock().UTC()
	if err := s.store.PutDeadLetter(ctx, dead); err != nil {
		return nil, err
	}
	return dead, nil
}
