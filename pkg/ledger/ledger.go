// Package ledger implements the immutable, hash-chained NDJSON ledger that
// persists receipts and security events. Every entry links to its predecessor
// by hash; the full chain is verified when the service is constructed and a
// mismatch refuses to start.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/canonicalize"
	"github.com/oars-platform/oars/pkg/contracts"
)

// Entry is one NDJSON line of the ledger.
type Entry struct {
	Sequence     uint64         `json:"sequence"`
	EntryID      string         `json:"entryId"`
	TenantID     string         `json:"tenantId"`
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	OccurredAt   string         `json:"occurredAt"` // RFC3339 UTC
	PayloadHash  string         `json:"payloadHash"`
	PreviousHash string         `json:"previousHash"`
	EntryHash    string         `json:"entryHash"`
	Payload      map[string]any `json:"payload"`
}

// Status summarizes the ledger head.
type Status struct {
	Path         string `json:"path"`
	LastSequence uint64 `json:"lastSequence"`
	LastHash     string `json:"lastHash"`
	EntryCount   int    `json:"entryCount"`
}

// IntegrityReport is the result of a full chain verification.
type IntegrityReport struct {
	IsValid        bool     `json:"isValid"`
	CheckedEntries int      `json:"checkedEntries"`
	LastSequence   uint64   `json:"lastSequence"`
	Errors         []string `json:"errors,omitempty"`
}

// PruneResult reports the outcome of a tenant retention prune.
type PruneResult struct {
	CutoffTime     time.Time `json:"cutoffTime"`
	PrunedCount    int       `json:"prunedCount"`
	RemainingCount int       `json:"remainingCount"`
	ArchivePath    string    `json:"archivePath,omitempty"`
}

// Page is a tenant-scoped listing slice.
type Page struct {
	Items []Entry `json:"items"`
	Total int     `json:"total"`
}

// Service is the immutable ledger. A per-process mutex serializes appends;
// the NDJSON file on disk is the source of truth.
type Service struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time

	// cached head, revalidated against disk on every append
	lastSequence uint64
	lastHash     string
	entryCount   int
}

// Open loads and fully verifies the ledger at path. Verification failure is
// fatal: the operator must intervene before the service can run.
func Open(path string) (*Service, error) {
	s := &Service{path: path, clock: time.Now, lastHash: canonicalize.ZeroHash}
	report, err := s.VerifyIntegrity()
	if err != nil {
		return nil, err
	}
	if !report.IsValid {
		return nil, fmt.Errorf("ledger: integrity verification failed: %s", strings.Join(report.Errors, "; "))
	}
	s.lastSequence = report.LastSequence
	s.entryCount = report.CheckedEntries
	if report.CheckedEntries > 0 {
		last, err := s.readLastEntry()
		if err != nil {
			return nil, err
		}
		s.lastHash = last.EntryHash
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// AppendReceipt appends a receipt payload.
func (s *Service) AppendReceipt(r *contracts.Receipt) (*Entry, error) {
	payload, err := toPayloadMap(r)
	if err != nil {
		return nil, err
	}
	return s.append(r.TenantID, "receipt", r.ReceiptID, payload)
}

// AppendSecurityEvent appends a security event payload.
func (s *Service) AppendSecurityEvent(e *contracts.SecurityEvent) (*Entry, error) {
	payload, err := toPayloadMap(e)
	if err != nil {
		return nil, err
	}
	return s.append(e.TenantID, "security_event", e.EventID, payload)
}

func (s *Service) append(tenantID, entityType, entityID string, payload map[string]any) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Disk is the source of truth; re-read the head before chaining.
	seq := uint64(0)
	prevHash := canonicalize.ZeroHash
	if last, err := s.readLastEntry(); err != nil {
		return nil, err
	} else if last != nil {
		seq = last.Sequence
		prevHash = last.EntryHash
	}

	payloadHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash payload: %w", err)
	}

	entry := Entry{
		Sequence:     seq + 1,
		EntryID:      contracts.NewID("led"),
		TenantID:     tenantID,
		EntityType:   entityType,
		EntityID:     entityID,
		OccurredAt:   s.clock().UTC().Format(time.RFC3339Nano),
		PayloadHash:  payloadHash,
		PreviousHash: prevHash,
		Payload:      payload,
	}
	entry.EntryHash = computeEntryHash(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open for append: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("ledger: append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("ledger: sync: %w", err)
	}

	s.lastSequence = entry.Sequence
	s.lastHash = entry.EntryHash
	s.entryCount++
	return &entry, nil
}

// Status reports the current head of the ledger.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Path:         s.path,
		LastSequence: s.lastSequence,
		LastHash:     s.lastHash,
		EntryCount:   s.entryCount,
	}
}

// VerifyIntegrity re-hashes the full file and checks the chain.
func (s *Service) VerifyIntegrity() (*IntegrityReport, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{IsValid: true}
	prevHash := canonicalize.ZeroHash
	for i, e := range entries {
		report.CheckedEntries++
		report.LastSequence = e.Sequence
		if e.Sequence != uint64(i)+1 {
			report.IsValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: sequence %d out of order", i+1, e.Sequence))
		}
		if e.PreviousHash != prevHash {
			report.IsValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: previousHash mismatch", e.Sequence))
		}
		payloadHash, err := canonicalize.CanonicalHash(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: hash payload of entry %d: %w", e.Sequence, err)
		}
		if payloadHash != e.PayloadHash {
			report.IsValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: payloadHash mismatch", e.Sequence))
		}
		if computeEntryHash(e) != e.EntryHash {
			report.IsValid = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d: entryHash mismatch", e.Sequence))
		}
		prevHash = e.EntryHash
	}
	return report, nil
}

// ListEntriesByTenant pages a tenant's entries newest first. beforeSequence=0
// starts at the head.
func (s *Service) ListEntriesByTenant(tenantID string, limit int, beforeSequence uint64) (*Page, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var scoped []Entry
	for _, e := range entries {
		if e.TenantID == tenantID {
			scoped = append(scoped, e)
		}
	}
	page := &Page{Total: len(scoped)}
	for i := len(scoped) - 1; i >= 0 && len(page.Items) < limit; i-- {
		if beforeSequence > 0 && scoped[i].Sequence >= beforeSequence {
			continue
		}
		page.Items = append(page.Items, scoped[i])
	}
	if page.Items == nil {
		page.Items = []Entry{}
	}
	return page, nil
}

// PruneTenantEntries archives the tenant's entries older than the retention
// window, then rewrites the ledger preserving all remaining entries in their
// original order, re-chained from sequence 1 so integrity still holds. The
// rewrite goes through a temp file and rename so a failure leaves the ledger
// intact.
func (s *Service) PruneTenantEntries(tenantID string, retentionDays int, now time.Time) (*PruneResult, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("ledger: retentionDays must be >= 1, got %d", retentionDays)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = s.clock()
	}
	cutoff := now.UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var pruned, remaining []Entry
	for _, e := range entries {
		occurred, err := time.Parse(time.RFC3339Nano, e.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("ledger: unparseable occurredAt in entry %d: %w", e.Sequence, err)
		}
		if e.TenantID == tenantID && occurred.Before(cutoff) {
			pruned = append(pruned, e)
		} else {
			remaining = append(remaining, e)
		}
	}

	result := &PruneResult{CutoffTime: cutoff, PrunedCount: len(pruned), RemainingCount: len(remaining)}
	if len(pruned) == 0 {
		return result, nil
	}

	archivePath := fmt.Sprintf("%s.archive-%s-%s.ndjson", s.path, tenantID, now.UTC().Format("2006-01-02T15-04-05Z"))
	if err := writeNDJSON(archivePath, pruned); err != nil {
		return nil, fmt.Errorf("ledger: write archive: %w", err)
	}
	result.ArchivePath = archivePath

	// Re-chain survivors: entryId, payloadHash, occurredAt, entityType and
	// entityId are preserved; sequence, previousHash and entryHash recompute.
	prevHash := canonicalize.ZeroHash
	for i := range remaining {
		remaining[i].Sequence = uint64(i) + 1
		remaining[i].PreviousHash = prevHash
		remaining[i].EntryHash = computeEntryHash(remaining[i])
		prevHash = remaining[i].EntryHash
	}

	tmp := s.path + ".tmp"
	if err := writeNDJSON(tmp, remaining); err != nil {
		return nil, fmt.Errorf("ledger: write rewritten ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return nil, fmt.Errorf("ledger: replace ledger: %w", err)
	}

	s.entryCount = len(remaining)
	s.lastSequence = 0
	s.lastHash = canonicalize.ZeroHash
	if n := len(remaining); n > 0 {
		s.lastSequence = remaining[n-1].Sequence
		s.lastHash = remaining[n-1].EntryHash
	}
	return result, nil
}

// computeEntryHash hashes the chaining fields with canonical "|" delimiters.
func computeEntryHash(e Entry) string {
	material := fmt.Sprintf("%d|%s|%s|%s|%s", e.Sequence, e.EntryID, e.PayloadHash, e.PreviousHash, e.OccurredAt)
	return canonicalize.HashBytes([]byte(material))
}

func (s *Service) readAll() ([]Entry, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("ledger: malformed entry at line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}

func (s *Service) readLastEntry() (*Entry, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func writeNDJSON(path string, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func toPayloadMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("ledger: decode payload: %w", err)
	}
	return payload, nil
}
