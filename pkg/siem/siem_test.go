package siem

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	return st
}

func webhookConfig(id, url string) TargetConfig {
	return TargetConfig{ID: id, Type: TypeGenericWebhook, Enabled: true, URL: url}
}

func testEvent(id string) *contracts.SecurityEvent {
	return &contracts.SecurityEvent{
		EventID:    id,
		TenantID:   "tenant_alpha",
		Type:       "action.denied",
		Severity:   "info",
		OccurredAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// failNTimes serves 503 for the first n requests, then 200.
func failNTimes(n int64) (*httptest.Server, *atomic.Int64) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return srv, &calls
}

func TestDeliverFansOutAndTracksMetrics(t *testing.T) {
	healthy, _ := failNTimes(0)
	defer healthy.Close()
	broken, _ := failNTimes(1 << 30)
	defer broken.Close()

	s, err := NewService(newStore(t), []TargetConfig{
		webhookConfig("siem_ok", healthy.URL),
		webhookConfig("siem_down", broken.URL),
		{ID: "siem_disabled", Type: TypeGenericWebhook, Enabled: false},
	}, RetryConfig{QueuePath: filepath.Join(t.TempDir(), "queue.json")}, nil, nil)
	require.NoError(t, err)

	s.Deliver(context.Background(), testEvent("evt_1"))

	assert.Equal(t, 1, s.QueueLength())
	metrics := s.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "siem_down", metrics[0].TargetID)
	assert.Equal(t, int64(1), metrics[0].FailureCount)
	assert.Contains(t, metrics[0].LastError, "503")
	assert.Equal(t, "siem_ok", metrics[1].TargetID)
	assert.Equal(t, int64(1), metrics[1].SuccessCount)
}

type captureTelemetry struct {
	outcomes []string
}

func (c *captureTelemetry) RecordSiemDelivery(_ context.Context, targetID string, succeeded bool) {
	c.outcomes = append(c.outcomes, fmt.Sprintf("%s=%t", targetID, succeeded))
}

func TestDeliveryOutcomesMirrorToTelemetry(t *testing.T) {
	healthy, _ := failNTimes(0)
	defer healthy.Close()
	broken, _ := failNTimes(1 << 30)
	defer broken.Close()

	s, err := NewService(newStore(t), []TargetConfig{
		webhookConfig("siem_ok", healthy.URL),
		webhookConfig("siem_down", broken.URL),
	}, RetryConfig{QueuePath: filepath.Join(t.TempDir(), "queue.json")}, nil, nil)
	require.NoError(t, err)
	telemetry := &captureTelemetry{}
	s.WithTelemetry(telemetry)

	s.Deliver(context.Background(), testEvent("evt_1"))

	assert.ElementsMatch(t, []string{"siem_ok=true", "siem_down=false"}, telemetry.outcomes)
}

func TestRetryCyclesDrainFlakyTarget(t *testing.T) {
	srv, calls := failNTimes(3)
	defer srv.Close()

	s, err := NewService(newStore(t), []TargetConfig{webhookConfig("siem_flaky", srv.URL)},
		RetryConfig{MaxAttempts: 10, QueuePath: filepath.Join(t.TempDir(), "queue.json")}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s.Deliver(ctx, testEvent("evt_1"))
	require.Equal(t, 1, s.QueueLength())

	s.FlushQueue(ctx) // attempt 2: still failing
	s.FlushQueue(ctx) // attempt 3: still failing
	require.Equal(t, 1, s.QueueLength())
	s.FlushQueue(ctx) // attempt 4: succeeds
	assert.Equal(t, 0, s.QueueLength())
	assert.Equal(t, int64(4), calls.Load())

	metrics := s.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(1), metrics[0].SuccessCount)
	assert.Equal(t, int64(3), metrics[0].FailureCount)
}

func TestExhaustedRetriesMoveToDeadLetterStorage(t *testing.T) {
	srv, _ := failNTimes(1 << 30)
	defer srv.Close()
	st := newStore(t)

	s, err := NewService(st, []TargetConfig{webhookConfig("siem_down", srv.URL)},
		RetryConfig{MaxAttempts: 2, QueuePath: filepath.Join(t.TempDir(), "queue.json")}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s.Deliver(ctx, testEvent("evt_1"))
	s.FlushQueue(ctx)

	assert.Equal(t, 0, s.QueueLength())
	letters, err := s.ListDeadLetters(ctx, "tenant_alpha", contracts.DeadLetterOpen)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "siem_down", letters[0].TargetID)
	assert.Equal(t, "evt_1", letters[0].EventID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "503")
}

func TestDeadLetterReplayAndResolve(t *testing.T) {
	srv, _ := failNTimes(2)
	defer srv.Close()
	st := newStore(t)

	s, err := NewService(st, []TargetConfig{webhookConfig("siem_t", srv.URL)},
		RetryConfig{MaxAttempts: 2, QueuePath: filepath.Join(t.TempDir(), "queue.json")}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s.Deliver(ctx, testEvent("evt_1"))
	s.FlushQueue(ctx)
	letters, err := s.ListDeadLetters(ctx, "tenant_alpha", "")
	require.NoError(t, err)
	require.Len(t, letters, 1)

	// Cross-tenant access is indistinguishable from absence.
	_, err = s.ReplayDeadLetter(ctx, "tenant_beta", letters[0].ID)
	assert.True(t, errors.Is(err, apierror.ErrNotFound))

	// The target recovered; replay succeeds and is recorded.
	replayed, err := s.ReplayDeadLetter(ctx, "tenant_alpha", letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DeadLetterReplayed, replayed.Status)
	assert.Equal(t, 1, replayed.ReplayCount)

	resolved, err := s.ResolveDeadLetter(ctx, "tenant_alpha", letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DeadLetterResolved, resolved.Status)
}

func TestBackpressureEvictsEarliestRetry(t *testing.T) {
	srv, _ := failNTimes(1 << 30)
	defer srv.Close()
	queuePath := filepath.Join(t.TempDir(), "queue.json")

	s, err := NewService(newStore(t), []TargetConfig{webhookConfig("siem_down", srv.URL)},
		RetryConfig{MaxQueueSize: 2, QueuePath: queuePath}, nil, nil)
	require.NoError(t, err)

	current := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return current })
	ctx := context.Background()

	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		s.Deliver(ctx, testEvent(id))
		current = current.Add(time.Second)
	}

	assert.Equal(t, 2, s.QueueLength())
	assert.Equal(t, int64(1), s.BackpressureDropCount())

	raw, err := os.ReadFile(queuePath)
	require.NoError(t, err)
	var file queueFile
	require.NoError(t, json.Unmarshal(raw, &file))
	var kept []string
	for _, item := range file.Items {
		kept = append(kept, item.Event.EventID)
	}
	assert.Equal(t, []string{"evt_2", "evt_3"}, kept)
}

func TestRetryQueueSurvivesRestart(t *testing.T) {
	srv, _ := failNTimes(1 << 30)
	defer srv.Close()
	queuePath := filepath.Join(t.TempDir(), "queue.json")
	st := newStore(t)

	s, err := NewService(st, []TargetConfig{webhookConfig("siem_down", srv.URL)},
		RetryConfig{QueuePath: queuePath}, nil, nil)
	require.NoError(t, err)
	s.Deliver(context.Background(), testEvent("evt_1"))
	require.Equal(t, 1, s.QueueLength())

	reopened, err := NewService(st, []TargetConfig{webhookConfig("siem_down", srv.URL)},
		RetryConfig{QueuePath: queuePath}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.QueueLength())
}

func TestReplayToUnknownTarget(t *testing.T) {
	s, err := NewService(newStore(t), nil, RetryConfig{}, nil, nil)
	require.NoError(t, err)
	err = s.ReplayToTarget(context.Background(), "siem_missing", testEvent("evt_1"))
	assert.Equal(t, apierror.CodeNotFound, apierror.CodeOf(err))
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s, err := NewService(newStore(t), nil, RetryConfig{Interval: time.Hour}, nil, nil)
	require.NoError(t, err)
	s.StartRetryScheduler()
	s.StartRetryScheduler()
	s.StopRetryScheduler()
	s.StopRetryScheduler()
}

func TestSplunkEnvelope(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	target, err := BuildTarget(TargetConfig{
		ID: "siem_splunk", Type: TypeSplunkHEC, Enabled: true,
		URL: srv.URL, HECToken: "tok-123", Index: "security",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, target.Deliver(context.Background(), testEvent("evt_1")))

	assert.Equal(t, "Splunk tok-123", gotAuth)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, "security", envelope["index"])
	assert.Equal(t, "_json", envelope["sourcetype"])
}

func TestSentinelSharedKeySignature(t *testing.T) {
	var gotAuth, gotDate, gotLogType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("x-ms-date")
		gotLogType = r.Header.Get("Log-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	sharedKey := base64.StdEncoding.EncodeToString([]byte("sentinel-shared-key-material"))
	target, err := BuildTarget(TargetConfig{
		ID: "siem_sentinel", Type: TypeSentinel, Enabled: true,
		URL: srv.URL, WorkspaceID: "ws-1", SharedKey: sharedKey,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, target.Deliver(context.Background(), testEvent("evt_1")))

	assert.Equal(t, "OarsSecurityEvent", gotLogType)
	stringToSign := fmt.Sprintf("POST\n%d\napplication/json\nx-ms-date:%s\n/api/logs", len(gotBody), gotDate)
	mac := hmac.New(sha256.New, []byte("sentinel-shared-key-material"))
	mac.Write([]byte(stringToSign))
	want := "SharedKey ws-1:" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotAuth)
}

func TestBuildTargetRejectsUnknownType(t *testing.T) {
	_, err := BuildTarget(TargetConfig{ID: "siem_x", Type: "carrier_pigeon"}, nil)
	assert.Error(t, err)
}
