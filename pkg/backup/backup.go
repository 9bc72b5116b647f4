// Package backup captures the platform's durable files (ledger, signing
// keys, store collections) into versioned backups and restores them behind
// a manifest compatibility gate. A restore drill proves a backup is usable
// without touching live data.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Source is one named file or directory captured by every backup.
type Source struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// DrillStatus records the outcome of the most recent restore drill.
type DrillStatus struct {
	BackupID   string    `json:"backupId"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
	ItemsFound int       `json:"itemsFound"`
}

// Service produces and restores backups against one target.
type Service struct {
	sources []Source
	target  Target
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService wires the backup service. Sources missing on disk are skipped
// at capture time so optional files (e.g. an unused SIEM queue) do not fail
// the whole backup.
func NewService(sources []Source, target Target, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sources: sources,
		target:  target,
		logger:  logger.With("component", "backup"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func manifestKey(backupID string) string {
	return "backups/" + backupID + "/manifest.json"
}

func itemKey(backupID, name string) string {
	return "backups/" + backupID + "/data/" + name
}

// CreateBackup captures every configured source into a new backup and
// writes the manifest last, so a partially uploaded backup is never listed.
func (s *Service) CreateBackup(ctx context.Context) (*Manifest, error) {
	now := s.clock().UTC()
	manifest := &Manifest{
		BackupID:      contracts.NewID(contracts.PrefixBackup),
		SchemaVersion: SchemaVersion,
		CreatedAt:     now,
		Items:         []Item{},
	}
	for _, src := range s.sources {
		files, err := collect(src)
		if err != nil {
			return nil, err
		}
		for name, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("backup: read source %s: %w", path, err)
			}
			sum := sha256.Sum256(data)
			if err := s.target.Put(ctx, itemKey(manifest.BackupID, name), data); err != nil {
				return nil, err
			}
			manifest.Items = append(manifest.Items, Item{
				Name:   name,
				SHA256: hex.EncodeToString(sum[:]),
				Size:   int64(len(data)),
			})
		}
	}
	sort.Slice(manifest.Items, func(i, j int) bool { return manifest.Items[i].Name < manifest.Items[j].Name })

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: encode manifest: %w", err)
	}
	if err := s.target.Put(ctx, manifestKey(manifest.BackupID), raw); err != nil {
		return nil, err
	}
	s.logger.Info("backup created",
		"backupId", manifest.BackupID, "items", len(manifest.Items))
	return manifest, nil
}

// collect maps item names to absolute paths for one source. A directory
// source contributes every regular file beneath it.
func collect(src Source) (map[string]string, error) {
	info, err := os.Stat(src.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: stat source %s: %w", src.Path, err)
	}
	files := map[string]string{}
	if !info.IsDir() {
		files[src.Name] = src.Path
		return files, nil
	}
	err = filepath.WalkDir(src.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src.Path, path)
		if err != nil {
			return err
		}
		files[src.Name+"/"+filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backup: walk source %s: %w", src.Path, err)
	}
	return files, nil
}

// ListBackups returns every stored manifest, newest first.
func (s *Service) ListBackups(ctx context.Context) ([]*Manifest, error) {
	keys, err := s.target.List(ctx, "backups/")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, key := range keys {
		if !strings.HasSuffix(key, "/manifest.json") {
			continue
		}
		raw, err := s.target.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("backup: decode %s: %w", key, err)
		}
		manifests = append(manifests, &m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].CreatedAt.After(manifests[j].CreatedAt) })
	return manifests, nil
}

// Restore writes a backup's files under destDir after checking the manifest
// schema and every item hash. Nothing is written once a check fails.
func (s *Service) Restore(ctx context.Context, backupID, destDir string) (*Manifest, error) {
	raw, err := s.target.Get(ctx, manifestKey(backupID))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("backup: decode manifest for %s: %w", backupID, err)
	}
	if err := CheckCompatible(manifest.SchemaVersion); err != nil {
		return nil, err
	}

	// Verify everything before the first write.
	blobs := make(map[string][]byte, len(manifest.Items))
	for _, item := range manifest.Items {
		data, err := s.target.Get(ctx, itemKey(backupID, item.Name))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != item.SHA256 {
			return nil, fmt.Errorf("backup: item %s hash mismatch in %s", item.Name, backupID)
		}
		blobs[item.Name] = data
	}
	for _, item := range manifest.Items {
		path := filepath.Join(destDir, filepath.FromSlash(item.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("backup: create restore dir: %w", err)
		}
		if err := os.WriteFile(path, blobs[item.Name], 0o600); err != nil {
			return nil, fmt.Errorf("backup: restore %s: %w", item.Name, err)
		}
	}
	s.logger.Info("backup restored", "backupId", backupID, "items", len(manifest.Items))
	return &manifest, nil
}

// RunDrill restores the newest backup into a throwaway directory and
// records the outcome. The drill status is stored on the target so
// operators can audit when recovery was last proven.
func (s *Service) RunDrill(ctx context.Context) (*DrillStatus, error) {
	status := &DrillStatus{CheckedAt: s.clock().UTC()}
	manifests, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		status.Error = "no backups available"
	} else {
		status.BackupID = manifests[0].BackupID
		dir, err := os.MkdirTemp("", "oars-drill-")
		if err != nil {
			return nil, fmt.Errorf("backup: drill temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		restored, err := s.Restore(ctx, status.BackupID, dir)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Succeeded = true
			status.ItemsFound = len(restored.Items)
		}
	}
	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: encode drill status: %w", err)
	}
	if err := s.target.Put(ctx, "drill_status.json", raw); err != nil {
		return nil, err
	}
	s.logger.Info("restore drill finished",
		"backupId", status.BackupID, "succeeded", status.Succeeded)
	return status, nil
}

// LastDrill returns the recorded drill status, or nil when none has run.
func (s *Service) LastDrill(ctx context.Context) (*DrillStatus, error) {
	raw, err := s.target.Get(ctx, "drill_status.json")
	if err != nil {
		return nil, nil
	}
	var status DrillStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("backup: decode drill status: %w", err)
	}
	return &status, nil
}
