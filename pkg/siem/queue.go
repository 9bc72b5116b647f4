package siem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// retryItem is one failed delivery awaiting another attempt.
type retryItem struct {
	TargetID      string                   `json:"targetId"`
	Event         *contracts.SecurityEvent `json:"event"`
	Attempts      int                      `json:"attempts"`
	NextAttemptAt time.Time                `json:"nextAttemptAt"`
	LastError     string                   `json:"lastError,omitempty"`
}

type queueFile struct {
	Items                 []*retryItem `json:"items"`
	BackpressureDropCount int64        `json:"backpressureDropCount"`
}

// loadQueue must be called before the service accepts traffic; an absent
// file is an empty queue.
func (s *Service) loadQueue() error {
	if s.queuePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.queuePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("siem: read retry queue: %w", err)
	}
	var file queueFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("siem: parse retry queue: %w", err)
	}
	s.queue = file.Items
	s.backpressureDrops = file.BackpressureDropCount
	return nil
}

// saveQueue must be called with the mutex held.
func (s *Service) saveQueue() error {
	if s.queuePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(queueFile{
		Items:                 s.queue,
		BackpressureDropCount: s.backpressureDrops,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("siem: marshal retry queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.queuePath), 0o700); err != nil {
		return fmt.Errorf("siem: create queue dir: %w", err)
	}
	tmp := s.queuePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("siem: write retry queue: %w", err)
	}
	if err := os.Rename(tmp, s.queuePath); err != nil {
		return fmt.Errorf("siem: commit retry queue: %w", err)
	}
	return nil
}
