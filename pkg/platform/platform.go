// Package platform assembles the gateway's singletons into one context
// built at startup. Nothing in the core reaches for ambient globals; every
// service receives its collaborators from here.
package platform

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Drivers for STORE=postgres and STORE=sqlite.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/oars-platform/oars/pkg/action"
	"github.com/oars-platform/oars/pkg/alerts"
	"github.com/oars-platform/oars/pkg/approval"
	"github.com/oars-platform/oars/pkg/backplane"
	"github.com/oars-platform/oars/pkg/backup"
	"github.com/oars-platform/oars/pkg/compliance"
	"github.com/oars-platform/oars/pkg/connector"
	"github.com/oars-platform/oars/pkg/events"
	"github.com/oars-platform/oars/pkg/evidence"
	"github.com/oars-platform/oars/pkg/idempotency"
	"github.com/oars-platform/oars/pkg/identity"
	"github.com/oars-platform/oars/pkg/ledger"
	"github.com/oars-platform/oars/pkg/observability"
	"github.com/oars-platform/oars/pkg/policy"
	"github.com/oars-platform/oars/pkg/protect"
	"github.com/oars-platform/oars/pkg/ratelimit"
	"github.com/oars-platform/oars/pkg/receipt"
	"github.com/oars-platform/oars/pkg/siem"
	"github.com/oars-platform/oars/pkg/signing"
	"github.com/oars-platform/oars/pkg/store"
	"github.com/oars-platform/oars/pkg/tenants"
	"github.com/oars-platform/oars/pkg/vault"
)

// builtinTools get a simulator connector at startup. Real integrations
// replace them by re-registering under the same tool id.
var builtinTools = []string{"jira", "slack", "iam", "confluence", "database"}

// Platform is the assembled gateway. Fields are the per-process singletons.
type Platform struct {
	Config *Config
	Logger *slog.Logger

	Store      *store.Store
	Signing    *signing.Service
	Ledger     *ledger.Service
	Governance *ledger.Governance
	Vault      *vault.Service
	Events     *events.Service
	Siem       *siem.Service
	Policies   *policy.Service
	Approvals  *approval.Service
	Registry   *connector.Registry
	Exec       *connector.ExecutionService
	Receipts   *receipt.Service
	Evidence   *evidence.Service
	Alerts     *alerts.Service
	Actions    *action.Service
	Queue      backplane.Backplane
	Worker     *backplane.Worker
	Idempotent *idempotency.Service
	Tenants    *tenants.Service
	Compliance *compliance.Service
	Backup     *backup.Service
	Tokens     *identity.TokenService
	MTLS       *identity.MTLSVerifier
	Limiter    ratelimit.Limiter
	Telemetry  *observability.Provider

	storeDB    *sql.DB
	queueDB    *sql.DB
	workerStop context.CancelFunc
	workerDone chan struct{}
}

// New builds the platform from configuration. The ledger is fully verified
// during construction; an integrity failure aborts startup.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Platform{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("platform: create data dir: %w", err)
	}

	protector, err := protect.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if err := p.initStore(ctx, cfg, protector); err != nil {
		return nil, err
	}

	p.Signing, err = signing.NewService(cfg.SigningKeysPath)
	if err != nil {
		return nil, err
	}
	p.Ledger, err = ledger.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	p.Governance = ledger.NewGovernance(p.Ledger, p.Store)

	p.Siem, err = siem.NewService(p.Store, cfg.SiemTargets, cfg.SiemRetry, nil, logger)
	if err != nil {
		return nil, err
	}
	p.Events = events.NewService(p.Store, p.Ledger, p.Siem, cfg.EventSinkPath, logger)
	p.Vault = vault.NewService(p.Store, p.Events)
	p.Evidence = evidence.NewService(p.Store)
	p.Receipts = receipt.NewService(p.Store, p.Signing, p.Ledger, p.Events, p.Evidence)
	p.Policies = policy.NewService(p.Store, p.Events)

	profiles, err := approval.LoadWorkflowProfiles(cfg.WorkflowsPath)
	if err != nil {
		return nil, err
	}
	p.Approvals = approval.NewService(p.Store, profiles, nil, p.Events)

	p.Registry = connector.NewRegistry(cfg.ConnectorAllow)
	for _, toolID := range builtinTools {
		p.Registry.Register(connector.NewSimulator(toolID))
	}
	p.Exec = connector.NewExecutionService(p.Registry, p.Vault)

	p.Alerts, err = alerts.NewService(p.Store, p.Events, nil, logger)
	if err != nil {
		return nil, err
	}
	p.Approvals.WithEscalationNotifier(p.Alerts)

	if cfg.BackplaneMode == BackplaneQueue {
		if err := p.initQueue(cfg); err != nil {
			return nil, err
		}
	}
	p.Actions = action.NewService(p.Store, p.Policies, p.Approvals, p.Receipts, p.Exec, p.Queue, p.Alerts, p.Events)
	if p.Queue != nil {
		p.Worker = backplane.NewWorker(p.Queue, p.Actions, backplane.WorkerConfig{
			PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			BatchSize:    cfg.ClaimLimit,
			RetryDelay:   time.Duration(cfg.RetryDelaySeconds) * time.Second,
		}, logger)
	}

	p.Idempotent = idempotency.NewService(p.Store)
	p.Tenants = tenants.NewService(p.Store, p.Events)
	p.Compliance = compliance.NewService(p.Store, p.Events)

	backupTarget, err := backup.NewDirTarget(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	p.Backup = backup.NewService([]backup.Source{
		{Name: "ledger.ndjson", Path: cfg.LedgerPath},
		{Name: "signing_keys.json", Path: cfg.SigningKeysPath},
		{Name: "store", Path: filepath.Join(cfg.DataDir, "store")},
	}, backupTarget, logger)

	if cfg.JWTSecret != "" {
		p.Tokens, err = identity.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, err
		}
	}
	if cfg.MTLSEnabled {
		p.MTLS, err = identity.NewMTLSVerifier(cfg.MTLSAttestationSecret, cfg.MTLSTrustedIdentities, cfg.MTLSMaxClockSkew)
		if err != nil {
			return nil, err
		}
	}
	if cfg.RateLimitEnabled {
		limit := ratelimit.Config{RatePerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
		if cfg.RedisAddr != "" {
			p.Limiter = ratelimit.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, limit)
		} else {
			p.Limiter = ratelimit.NewLocal(limit)
		}
	}

	p.Telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "oars-gateway",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTELEnabled,
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return nil, err
	}
	p.Actions.WithTelemetry(p.Telemetry)
	p.Receipts.WithMetrics(p.Telemetry)
	p.Siem.WithTelemetry(p.Telemetry)
	p.Approvals.WithMetrics(p.Telemetry)
	if p.Worker != nil {
		p.Worker.WithMetrics(p.Telemetry)
	}

	logger.Info("platform assembled",
		"store", cfg.Store,
		"backplane", cfg.BackplaneMode,
		"siemTargets", len(cfg.SiemTargets),
		"ledger", cfg.LedgerPath)
	return p, nil
}

func (p *Platform) initStore(ctx context.Context, cfg *Config, protector *protect.Protector) error {
	var backend store.Backend
	switch cfg.Store {
	case StoreFile:
		fileBackend, err := store.NewFileBackend(filepath.Join(cfg.DataDir, "store"))
		if err != nil {
			return err
		}
		backend = fileBackend
	case StorePostgres, StoreSQLite:
		driver := "postgres"
		if cfg.Store == StoreSQLite {
			driver = "sqlite"
		}
		db, err := sql.Open(driver, cfg.StoreDSN)
		if err != nil {
			return fmt.Errorf("platform: open %s store: %w", cfg.Store, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("platform: ping %s store: %w", cfg.Store, err)
		}
		sqlBackend, err := store.NewSQLBackend(db)
		if err != nil {
			db.Close()
			return err
		}
		p.storeDB = db
		backend = sqlBackend
	}
	st, err := store.New(backend, protector)
	if err != nil {
		return err
	}
	p.Store = st
	return nil
}

func (p *Platform) initQueue(cfg *Config) error {
	queueConfig := backplane.Config{
		MaxAttempts: cfg.MaxAttempts,
		LockTimeout: time.Duration(cfg.LockTimeoutSeconds) * time.Second,
	}
	switch cfg.BackplaneDriver {
	case StoreFile:
		queue, err := backplane.NewFileBackplane(filepath.Join(cfg.DataDir, "jobs.json"), queueConfig)
		if err != nil {
			return err
		}
		p.Queue = queue
	case StorePostgres, StoreSQLite:
		driver := "postgres"
		if cfg.BackplaneDriver == StoreSQLite {
			driver = "sqlite"
			queueConfig.Dialect = backplane.DialectSQLite
		}
		dsn := cfg.BackplaneDSN
		if dsn == "" {
			dsn = cfg.StoreDSN
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return fmt.Errorf("platform: open %s backplane: %w", cfg.BackplaneDriver, err)
		}
		queue, err := backplane.NewSQLBackplane(db, queueConfig)
		if err != nil {
			db.Close()
			return err
		}
		p.queueDB = db
		p.Queue = queue
	}
	return nil
}

// Start launches the background loops: the SIEM retry scheduler and, in
// queue mode, the execution worker.
func (p *Platform) Start(ctx context.Context) {
	p.Siem.StartRetryScheduler()
	if p.Worker != nil {
		workerCtx, cancel := context.WithCancel(ctx)
		p.workerStop = cancel
		p.workerDone = make(chan struct{})
		go func() {
			defer close(p.workerDone)
			_ = p.Worker.Run(workerCtx)
		}()
	}
	p.Logger.Info("platform started", "worker", p.Worker != nil)
}

// Close stops background loops and releases connections.
func (p *Platform) Close(ctx context.Context) error {
	if p.workerStop != nil {
		p.workerStop()
		select {
		case <-p.workerDone:
		case <-ctx.Done():
		}
	}
	p.Siem.StopRetryScheduler()
	if p.Telemetry != nil {
		_ = p.Telemetry.Shutdown(ctx)
	}
	if closer, ok := p.Limiter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	for _, db := range []*sql.DB{p.storeDB, p.queueDB} {
		if db != nil {
			if err := db.Close(); err != nil {
				return err
			}
		}
	}
	p.Logger.Info("platform stopped")
	return nil
}

// Status is the operations snapshot aggregated across subsystems.
type Status struct {
	Time                  time.Time            `json:"time"`
	Ledger                ledger.Status        `json:"ledger"`
	SiemQueueLength       int                  `json:"siemQueueLength"`
	SiemBackpressureDrops int64                `json:"siemBackpressureDrops"`
	SiemTargets           []siem.TargetMetrics `json:"siemTargets"`
	BackplaneMode         string               `json:"backplaneMode"`
	StoreDriver           string               `json:"storeDriver"`
}

// Status reports current operational state for the admin surface.
func (p *Platform) Status() Status {
	return Status{
		Time:                  time.Now().UTC(),
		Ledger:                p.Ledger.Status(),
		SiemQueueLength:       p.Siem.QueueLength(),
		SiemBackpressureDrops: p.Siem.BackpressureDropCount(),
		SiemTargets:           p.Siem.Metrics(),
		BackplaneMode:         p.Config.BackplaneMode,
		StoreDriver:           p.Config.Store,
	}
}
