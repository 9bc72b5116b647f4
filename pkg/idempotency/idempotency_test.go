package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oars-platform/oars/pkg/apierror"
	"github.com/oars-platform/oars/pkg/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	backend, err := store.NewFileBackend(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	return NewService(st)
}

func TestReplayRequiresMatchingFingerprint(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	fp, err := Fingerprint(map[string]any{"toolId": "jira", "operation": "read"})
	require.NoError(t, err)

	stored, err := s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "key-1", fp)
	require.NoError(t, err)
	assert.Nil(t, stored)

	require.NoError(t, s.Record(ctx, "tenant_a", "user_1", "POST /v1/actions", "key-1", fp, []byte(`{"actionId":"act_1"}`)))

	stored, err = s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "key-1", fp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actionId":"act_1"}`, string(stored))

	// Same key, different body.
	other, err := Fingerprint(map[string]any{"toolId": "jira", "operation": "delete"})
	require.NoError(t, err)
	_, err = s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "key-1", other)
	assert.Equal(t, apierror.CodeIdempotencyConflict, apierror.CodeOf(err))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScopeTupleSeparation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	fp, err := Fingerprint(map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, "tenant_a", "user_1", "POST /v1/actions", "key-1", fp, []byte("one")))

	for _, scope := range [][4]string{
		{"tenant_b", "user_1", "POST /v1/actions", "key-1"},
		{"tenant_a", "user_2", "POST /v1/actions", "key-1"},
		{"tenant_a", "user_1", "POST /v1/policies", "key-1"},
		{"tenant_a", "user_1", "POST /v1/actions", "key-2"},
	} {
		stored, err := s.Check(ctx, scope[0], scope[1], scope[2], scope[3], fp)
		require.NoError(t, err)
		assert.Nil(t, stored)
	}
}

func TestEmptyKeyBypasses(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	stored, err := s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "", "fp")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.NoError(t, s.Record(ctx, "tenant_a", "user_1", "POST /v1/actions", "", "fp", []byte("x")))
}

func TestPruneRemovesAgedRecords(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	current := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return current })

	fp, err := Fingerprint(map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, "tenant_a", "user_1", "POST /v1/actions", "old", fp, []byte("old")))
	current = current.Add(48 * time.Hour)
	require.NoError(t, s.Record(ctx, "tenant_a", "user_1", "POST /v1/actions", "new", fp, []byte("new")))

	pruned, err := s.Prune(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	stored, err := s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "new", fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), stored)
	stored, err = s.Check(ctx, "tenant_a", "user_1", "POST /v1/actions", "old", fp)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
