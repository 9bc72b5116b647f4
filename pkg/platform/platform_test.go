package platform

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oars-platform/oars/pkg/action"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/siem"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dataDir := t.TempDir()
	return &Config{
		DataDir:         dataDir,
		Store:           StoreFile,
		LedgerPath:      filepath.Join(dataDir, "ledger.ndjson"),
		SigningKeysPath: filepath.Join(dataDir, "signing_keys.json"),
		BackplaneMode:   BackplaneInline,
		BackplaneDriver: StoreFile,
		BackupDir:       filepath.Join(dataDir, "backups"),
		SiemRetry:       siem.RetryConfig{QueuePath: filepath.Join(dataDir, "siem_retry_queue.json")},
		JWTIssuer:       "oars",
		JWTAudience:     "oars-api",
		Environment:     "test",
	}
}

func TestAssembleAndSubmitInline(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)

	resp, err := p.Actions.SubmitAction(ctx, action.SubmitRequest{
		TenantID: "tenant_alpha",
		Actor:    contracts.Actor{AgentID: "agent_finops"},
		Resource: contracts.Resource{ToolID: "jira", Operation: "create_ticket", Target: "project:SEC"},
		Input:    map[string]any{"summary": "rotate service credentials"},
	}, "req_platform_1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action.State != contracts.ActionExecuted {
		t.Fatalf("expected inline execution, got %s", resp.Action.State)
	}
	if len(resp.Action.ReceiptIDs) != 3 {
		t.Fatalf("expected receipts [requested approved executed], got %d", len(resp.Action.ReceiptIDs))
	}

	status := p.Status()
	if status.Ledger.LastSequence == 0 {
		t.Fatal("ledger should have entries after a submission")
	}
	if status.BackplaneMode != BackplaneInline || status.StoreDriver != StoreFile {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestQueueModeBuildsWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackplaneMode = BackplaneQueue
	cfg.PollIntervalMs = 10

	ctx := context.Background()
	p, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Queue == nil || p.Worker == nil {
		t.Fatal("queue mode must build the backplane and worker")
	}

	p.Start(ctx)
	resp, err := p.Actions.SubmitAction(ctx, action.SubmitRequest{
		TenantID: "tenant_alpha",
		Actor:    contracts.Actor{AgentID: "agent_finops"},
		Resource: contracts.Resource{ToolID: "jira", Operation: "create_ticket", Target: "project:OPS"},
	}, "req_platform_2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action.State != contracts.ActionApproved || resp.Job == nil {
		t.Fatalf("queue mode should enqueue after approval, got %s", resp.Action.State)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _, err := p.Actions.GetAction(ctx, "tenant_alpha", resp.Action.ActionID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == contracts.ActionExecuted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not execute the job, state %s", got.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("STORE", "file")
	t.Setenv("BACKPLANE_MODE", "queue")
	t.Setenv("BACKPLANE_DRIVER", "file")
	t.Setenv("SIEM_TARGETS", `[{"id":"hook","type":"generic_webhook","enabled":true,"url":"https://siem.example.com/in"}]`)
	t.Setenv("SIEM_RETRY_MAX_QUEUE_SIZE", "77")
	t.Setenv("MTLS_ENABLED", "true")
	t.Setenv("MTLS_ATTESTATION_SECRET", "attest")
	t.Setenv("MTLS_TRUSTED_IDENTITIES", "svc-deploy=ab12cd,svc-audit=ef34")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackplaneMode != BackplaneQueue {
		t.Fatalf("unexpected backplane mode %s", cfg.BackplaneMode)
	}
	if len(cfg.SiemTargets) != 1 || cfg.SiemTargets[0].ID != "hook" {
		t.Fatalf("unexpected SIEM targets %+v", cfg.SiemTargets)
	}
	if cfg.SiemRetry.MaxQueueSize != 77 {
		t.Fatalf("unexpected retry queue size %d", cfg.SiemRetry.MaxQueueSize)
	}
	if cfg.MTLSTrustedIdentities["svc-audit"] != "ef34" {
		t.Fatalf("unexpected trusted identities %+v", cfg.MTLSTrustedIdentities)
	}
	if cfg.LedgerPath != filepath.Join(dataDir, "ledger.ndjson") {
		t.Fatalf("ledger path should derive from DATA_DIR, got %s", cfg.LedgerPath)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("STORE", "postgres") // no STORE_DSN
	if _, err := Load(); err == nil {
		t.Fatal("postgres store without DSN must fail validation")
	}
}
