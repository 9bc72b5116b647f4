package siem

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oars-platform/oars/pkg/contracts"
)

// Target type tags.
const (
	TypeGenericWebhook = "generic_webhook"
	TypeSplunkHEC      = "splunk_hec"
	TypeDatadogLogs    = "datadog_logs"
	TypeSentinel       = "sentinel_log_analytics"
)

// TargetConfig is the tagged union describing one delivery target. Only the
// fields for the tagged type are consulted.
type TargetConfig struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`

	// generic_webhook
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// splunk_hec
	HECToken string `json:"hecToken,omitempty"`
	Index    string `json:"index,omitempty"`

	// datadog_logs
	APIKey  string `json:"apiKey,omitempty"`
	Service string `json:"service,omitempty"`

	// sentinel_log_analytics
	WorkspaceID string `json:"workspaceId,omitempty"`
	SharedKey   string `json:"sharedKey,omitempty"`
	LogType     string `json:"logType,omitempty"`
}

// Target delivers one event to one downstream system.
type Target interface {
	ID() string
	Deliver(ctx context.Context, event *contracts.SecurityEvent) error
}

// BuildTarget constructs the concrete target for a config.
func BuildTarget(cfg TargetConfig, client *http.Client) (Target, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("siem: target missing id")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	switch cfg.Type {
	case TypeGenericWebhook:
		return &webhookTarget{cfg: cfg, client: client}, nil
	case TypeSplunkHEC:
		return &splunkTarget{cfg: cfg, client: client}, nil
	case TypeDatadogLogs:
		return &datadogTarget{cfg: cfg, client: client}, nil
	case TypeSentinel:
		key, err := base64.StdEncoding.DecodeString(cfg.SharedKey)
		if err != nil {
			return nil, fmt.Errorf("siem: target %s: shared key is not base64: %w", cfg.ID, err)
		}
		return &sentinelTarget{cfg: cfg, client: client, key: key, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("siem: target %s has unknown type %q", cfg.ID, cfg.Type)
	}
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

type webhookTarget struct {
	cfg    TargetConfig
	client *http.Client
}

func (t *webhookTarget) ID() string { return t.cfg.ID }

func (t *webhookTarget) Deliver(ctx context.Context, event *contracts.SecurityEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return post(ctx, t.client, t.cfg.URL, body, t.cfg.Headers)
}

type splunkTarget struct {
	cfg    TargetConfig
	client *http.Client
}

func (t *splunkTarget) ID() string { return t.cfg.ID }

func (t *splunkTarget) Deliver(ctx context.Context, event *contracts.SecurityEvent) error {
	envelope := map[string]any{
		"time":       event.OccurredAt.Unix(),
		"source":     "oars",
		"sourcetype": "_json",
		"event":      event,
	}
	if t.cfg.Index != "" {
		envelope["index"] = t.cfg.Index
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return post(ctx, t.client, t.cfg.URL, body, map[string]string{
		"Authorization": "Splunk " + t.cfg.HECToken,
	})
}

type datadogTarget struct {
	cfg    TargetConfig
	client *http.Client
}

func (t *datadogTarget) ID() string { return t.cfg.ID }

func (t *datadogTarget) Deliver(ctx context.Context, event *contracts.SecurityEvent) error {
	service := t.cfg.Service
	if service == "" {
		service = "oars"
	}
	body, err := json.Marshal([]map[string]any{{
		"ddsource": "oars",
		"service":  service,
		"message":  event.Type,
		"event":    event,
	}})
	if err != nil {
		return err
	}
	return post(ctx, t.client, t.cfg.URL, body, map[string]string{
		"DD-API-KEY": t.cfg.APIKey,
	})
}

// sentinelTarget signs each request per the Azure Log Analytics data
// collector SharedKey scheme.
type sentinelTarget struct {
	cfg    TargetConfig
	client *http.Client
	key    []byte
	now    func() time.Time
}

func (t *sentinelTarget) ID() string { return t.cfg.ID }

func (t *sentinelTarget) Deliver(ctx context.Context, event *contracts.SecurityEvent) error {
	body, err := json.Marshal([]*contracts.SecurityEvent{event})
	if err != nil {
		return err
	}
	date := t.now().UTC().Format(http.TimeFormat)
	logType := t.cfg.LogType
	if logType == "" {
		logType = "OarsSecurityEvent"
	}
	url := t.cfg.URL
	if url == "" {
		url = fmt.Sprintf("https://%s.ods.opinsights.azure.com/api/logs?api-version=2016-04-01", t.cfg.WorkspaceID)
	}
	return post(ctx, t.client, url, body, map[string]string{
		"Authorization": t.authorization(len(body), date),
		"Log-Type":      logType,
		"x-ms-date":     date,
	})
}

func (t *sentinelTarget) authorization(contentLength int, date string) string {
	stringToSign := fmt.Sprintf("POST\n%d\napplication/json\nx-ms-date:%s\n/api/logs", contentLength, date)
	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("SharedKey %s:%s", t.cfg.WorkspaceID, signature)
}
