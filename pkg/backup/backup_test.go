package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestService(t *testing.T) (*Service, *DirTarget, string) {
	t.Helper()
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "ledger.ndjson"), `{"sequence":1}`+"\n")
	writeFile(t, filepath.Join(dataDir, "store", "actions.json"), `{}`)
	writeFile(t, filepath.Join(dataDir, "store", "policies.json"), `{}`)

	target, err := NewDirTarget(filepath.Join(t.TempDir(), "target"))
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService([]Source{
		{Name: "ledger.ndjson", Path: filepath.Join(dataDir, "ledger.ndjson")},
		{Name: "store", Path: filepath.Join(dataDir, "store")},
		{Name: "absent.json", Path: filepath.Join(dataDir, "missing")},
	}, target, nil)
	return svc, target, dataDir
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	manifest, err := svc.CreateBackup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Items) != 3 {
		t.Fatalf("expected 3 items (missing source skipped), got %d", len(manifest.Items))
	}

	dest := t.TempDir()
	if _, err := svc.Restore(ctx, manifest.BackupID, dest); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(filepath.Join(dest, "ledger.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != `{"sequence":1}`+"\n" {
		t.Fatalf("restored ledger differs: %q", restored)
	}
	if _, err := os.Stat(filepath.Join(dest, "store", "policies.json")); err != nil {
		t.Fatalf("directory source not restored: %v", err)
	}
}

func TestRestoreRejectsIncompatibleSchema(t *testing.T) {
	svc, target, _ := newTestService(t)
	ctx := context.Background()

	manifest, err := svc.CreateBackup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	manifest.SchemaVersion = "2.0.0"
	raw, _ := json.Marshal(manifest)
	if err := target.Put(ctx, manifestKey(manifest.BackupID), raw); err != nil {
		t.Fatal(err)
	}

	_, err = svc.Restore(ctx, manifest.BackupID, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "incompatible") {
		t.Fatalf("expected major-mismatch error, got %v", err)
	}
}

func TestRestoreDetectsTamperedItem(t *testing.T) {
	svc, target, _ := newTestService(t)
	ctx := context.Background()

	manifest, err := svc.CreateBackup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := target.Put(ctx, itemKey(manifest.BackupID, "ledger.ndjson"), []byte("tampered")); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	_, err = svc.Restore(ctx, manifest.BackupID, dest)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Fatal("failed restore must not write partial output")
	}
}

func TestDrillRecordsOutcome(t *testing.T) {
	svc, _, _ := newTestService(t)
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := svc.CreateBackup(ctx); err != nil {
		t.Fatal(err)
	}
	status, err := svc.RunDrill(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Succeeded || status.ItemsFound != 3 {
		t.Fatalf("unexpected drill status %+v", status)
	}

	last, err := svc.LastDrill(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.BackupID != status.BackupID || !last.CheckedAt.Equal(now) {
		t.Fatalf("persisted drill status differs: %+v", last)
	}
}

func TestCheckCompatible(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{SchemaVersion, true},
		{"1.0.0", true},
		{"1.9.9", false},
		{"2.0.0", false},
		{"0.9.0", false},
		{"not-a-version", false},
	}
	for _, tc := range cases {
		err := CheckCompatible(tc.version)
		if (err == nil) != tc.ok {
			t.Errorf("CheckCompatible(%q) = %v, want ok=%v", tc.version, err, tc.ok)
		}
	}
}
