package platform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/siem"
)

// Store and backplane selection values.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	BackplaneInline = "inline"
	BackplaneQueue  = "queue"
)

// Config is the environment-driven platform configuration.
type Config struct {
	DataDir string

	Store    string
	StoreDSN string

	LedgerPath      string
	EventSinkPath   string
	EncryptionKey   string
	ConnectorAllow  []string
	WorkflowsPath   string
	SigningKeysPath string

	BackplaneMode      string
	BackplaneDriver    string
	BackplaneDSN       string
	RetryDelaySeconds  int
	LockTimeoutSeconds int
	MaxAttempts        int
	PollIntervalMs     int
	ClaimLimit         int

	SiemTargets []siem.TargetConfig
	SiemRetry   siem.RetryConfig

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	MTLSEnabled           bool
	MTLSTrustedIdentities map[string]string
	MTLSAttestationSecret string
	MTLSMaxClockSkew      time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	BackupDir string

	OTELEnabled  bool
	OTELEndpoint string
	Environment  string
}

// Load reads configuration from environment variables with defaults. Paths
// not set explicitly derive from DataDir.
func Load() (*Config, error) {
	dataDir := envStr("DATA_DIR", "data")
	cfg := &Config{
		DataDir: dataDir,

		Store:    envStr("STORE", StoreFile),
		StoreDSN: os.Getenv("STORE_DSN"),

		LedgerPath:      envStr("IMMUTABLE_LEDGER_PATH", filepath.Join(dataDir, "ledger.ndjson")),
		EventSinkPath:   os.Getenv("EVENT_SINK_PATH"),
		EncryptionKey:   os.Getenv("DATA_ENCRYPTION_KEY"),
		WorkflowsPath:   os.Getenv("APPROVAL_WORKFLOWS_PATH"),
		SigningKeysPath: envStr("SIGNING_KEYS_PATH", filepath.Join(dataDir, "signing_keys.json")),

		BackplaneMode:      envStr("BACKPLANE_MODE", BackplaneInline),
		BackplaneDriver:    envStr("BACKPLANE_DRIVER", StoreFile),
		BackplaneDSN:       os.Getenv("BACKPLANE_DSN"),
		RetryDelaySeconds:  envInt("BACKPLANE_RETRY_DELAY_SECONDS", 30),
		LockTimeoutSeconds: envInt("BACKPLANE_LOCK_TIMEOUT_SECONDS", 300),
		MaxAttempts:        envInt("BACKPLANE_MAX_ATTEMPTS", 3),
		PollIntervalMs:     envInt("BACKPLANE_POLL_INTERVAL_MS", 2000),
		ClaimLimit:         envInt("BACKPLANE_CLAIM_LIMIT", 10),

		SiemRetry: siem.RetryConfig{
			Interval:     time.Duration(envInt("SIEM_RETRY_INTERVAL_SECONDS", 30)) * time.Second,
			MaxAttempts:  envInt("SIEM_RETRY_MAX_ATTEMPTS", 5),
			MaxQueueSize: envInt("SIEM_RETRY_MAX_QUEUE_SIZE", 1000),
			QueuePath:    envStr("SIEM_RETRY_QUEUE_PATH", filepath.Join(dataDir, "siem_retry_queue.json")),
			AutoStart:    envBool("SIEM_RETRY_AUTO_START", false),
		},

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   envStr("JWT_ISSUER", "oars"),
		JWTAudience: envStr("JWT_AUDIENCE", "oars-api"),

		MTLSEnabled:           envBool("MTLS_ENABLED", false),
		MTLSAttestationSecret: os.Getenv("MTLS_ATTESTATION_SECRET"),
		MTLSMaxClockSkew:      time.Duration(envInt("MTLS_MAX_CLOCK_SKEW_SECONDS", 300)) * time.Second,

		RateLimitEnabled: envBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 20),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          envInt("REDIS_DB", 0),

		BackupDir: envStr("BACKUP_DIR", filepath.Join(dataDir, "backups")),

		OTELEnabled:  envBool("OTEL_ENABLED", false),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:  envStr("ENVIRONMENT", "development"),
	}

	if raw := os.Getenv("CONNECTOR_ALLOWLIST"); raw != "" {
		for _, toolID := range strings.Split(raw, ",") {
			if toolID = strings.TrimSpace(toolID); toolID != "" {
				cfg.ConnectorAllow = append(cfg.ConnectorAllow, toolID)
			}
		}
	}

	if raw := os.Getenv("SIEM_TARGETS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.SiemTargets); err != nil {
			return nil, fmt.Errorf("platform: parse SIEM_TARGETS: %w", err)
		}
	}

	trusted, err := loadTrustedIdentities()
	if err != nil {
		return nil, err
	}
	cfg.MTLSTrustedIdentities = trusted

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreFile, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("platform: unknown STORE %q", c.Store)
	}
	if c.Store != StoreFile && c.StoreDSN == "" {
		return fmt.Errorf("platform: STORE=%s requires STORE_DSN", c.Store)
	}
	switch c.BackplaneMode {
	case BackplaneInline, BackplaneQueue:
	default:
		return fmt.Errorf("platform: unknown BACKPLANE_MODE %q", c.BackplaneMode)
	}
	switch c.BackplaneDriver {
	case StoreFile, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("platform: unknown BACKPLANE_DRIVER %q", c.BackplaneDriver)
	}
	if c.MTLSEnabled && c.MTLSAttestationSecret == "" {
		return fmt.Errorf("platform: MTLS_ENABLED requires MTLS_ATTESTATION_SECRET")
	}
	return nil
}

// loadTrustedIdentities parses "subject=fingerprint" pairs from
// MTLS_TRUSTED_IDENTITIES (comma-separated) or one pair per line from
// MTLS_TRUSTED_IDENTITIES_FILE.
func loadTrustedIdentities() (map[string]string, error) {
	raw := os.Getenv("MTLS_TRUSTED_IDENTITIES")
	if path := os.Getenv("MTLS_TRUSTED_IDENTITIES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("platform: read MTLS_TRUSTED_IDENTITIES_FILE: %w", err)
		}
		raw = strings.ReplaceAll(string(data), "\n", ",")
	}
	if raw == "" {
		return nil, nil
	}
	trusted := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		subject, fingerprint, found := strings.Cut(pair, "=")
		if !found || subject == "" || fingerprint == "" {
			return nil, fmt.Errorf("platform: bad trusted identity entry %q", pair)
		}
		trusted[strings.TrimSpace(subject)] = strings.TrimSpace(fingerprint)
	}
	return trusted, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
