// Package compliance maps security event types onto compliance controls
// (SOC2, ISO 27001, ...) and reports which controls have supporting
// evidence in a time window.
package compliance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

// Recorder publishes security events for mapping mutations.
type Recorder interface {
	Record(ctx context.Context, event *contracts.SecurityEvent) error
}

// Service manages control mappings and computes coverage.
type Service struct {
	store  *store.Store
	events Recorder
	clock  func() time.Time
}

// NewService wires the compliance service. events is optional.
func NewService(st *store.Store, events Recorder) *Service {
	return &Service{store: st, events: events, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateMapping ties one control to the event types that evidence it.
func (s *Service) CreateMapping(ctx context.Context, tenantID, framework, controlID string, eventTypes []string) (*contracts.ControlMapping, error) {
	if tenantID == "" || framework == "" || controlID == "" {
		return nil, apierror.Wrap(apierror.CodeValidation,
			"tenantId, framework and controlId are required", apierror.ErrValidation)
	}
	if len(eventTypes) == 0 {
		return nil, apierror.Wrap(apierror.CodeValidation,
			"at least one event type is required", apierror.ErrValidation)
	}
	mapping := &contracts.ControlMapping{
		MappingID:  contracts.NewID(contracts.PrefixControl),
		TenantID:   tenantID,
		Framework:  framework,
		ControlID:  controlID,
		EventTypes: eventTypes,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.store.PutControlMapping(ctx, mapping); err != nil {
		return nil, err
	}
	s.record(ctx, tenantID, "compliance.mapping.created", map[string]any{
		"mappingId": mapping.MappingID,
		"framework": framework,
		"controlId": controlID,
	})
	return mapping, nil
}

// ListMappings returns the tenant's mappings, optionally for one framework.
func (s *Service) ListMappings(ctx context.Context, tenantID, framework string) ([]*contracts.ControlMapping, error) {
	return s.store.ListControlMappings(ctx, tenantID, framework)
}

// DeleteMapping removes a mapping. Cross-tenant ids surface as not found.
func (s *Service) DeleteMapping(ctx context.Context, tenantID, mappingID string) error {
	if err := s.store.DeleteControlMapping(ctx, tenantID, mappingID); err != nil {
		return err
	}
	s.record(ctx, tenantID, "compliance.mapping.deleted", map[string]any{
		"mappingId": mappingID,
	})
	return nil
}

// ControlCoverage is the evidence summary for one control.
type ControlCoverage struct {
	Framework     string   `json:"framework"`
	ControlID     string   `json:"controlId"`
	EventTypes    []string `json:"eventTypes"`
	ObservedCount int      `json:"observedCount"`
	Covered       bool     `json:"covered"`
}

// CoverageReport aggregates control coverage for one framework window.
type CoverageReport struct {
	TenantID        string            `json:"tenantId"`
	Framework       string            `json:"framework"`
	Since           time.Time         `json:"since"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	Controls        []ControlCoverage `json:"controls"`
	CoveredControls int               `json:"coveredControls"`
	TotalControls   int               `json:"totalControls"`
}

// maxReportEvents bounds how far back one report scans.
const maxReportEvents = 10000

// Report counts, per mapped control, the security events observed since the
// given time. A control is covered when at least one mapped event type was
// seen in the window.
func (s *Service) Report(ctx context.Context, tenantID, framework string, since time.Time) (*CoverageReport, error) {
	mappings, err := s.store.ListControlMappings(ctx, tenantID, framework)
	if err != nil {
		return nil, err
	}
	page, err := s.store.ListSecurityEvents(ctx, tenantID, maxReportEvents, 0)
	if err != nil {
		return nil, fmt.Errorf("compliance: load events: %w", err)
	}
	observed := map[string]int{}
	for _, event := range page.Items {
		if event.OccurredAt.Before(since) {
			continue
		}
		observed[event.Type]++
	}

	report := &CoverageReport{
		TenantID:    tenantID,
		Framework:   framework,
		Since:       since.UTC(),
		GeneratedAt: s.clock().UTC(),
		Controls:    []ControlCoverage{},
	}
	for _, mapping := range mappings {
		coverage := ControlCoverage{
			Framework:  mapping.Framework,
			ControlID:  mapping.ControlID,
			EventTypes: mapping.EventTypes,
		}
		for _, eventType := range mapping.EventTypes {
			coverage.ObservedCount += observed[eventType]
		}
		coverage.Covered = coverage.ObservedCount > 0
		if coverage.Covered {
			report.CoveredControls++
		}
		report.Controls = append(report.Controls, coverage)
	}
	report.TotalControls = len(report.Controls)
	sort.Slice(report.Controls, func(i, j int) bool {
		return report.Controls[i].ControlID < report.Controls[j].ControlID
	})
	return report, nil
}

func (s *Service) record(ctx context.Context, tenantID, eventType string, details map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Record(ctx, &contracts.SecurityEvent{
		EventID:    contracts.NewID(contracts.PrefixEvent),
		TenantID:   tenantID,
		Type:       eventType,
		Severity:   "info",
		OccurredAt: s.clock().UTC(),
		Details:    details,
	})
}
