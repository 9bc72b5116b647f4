package receipt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oars-platform/oars/pkg/canonicalize"
	"github.com/oars-platform/oars/pkg/contracts"
	"github.com/oars-platform/oars/pkg/evidence"
	"github.com/oars-platform/oars/pkg/ledger"
	"github.com/oars-platform/oars/pkg/signing"
	"github.com/oars-platform/oars/pkg/store"
)

type fixture struct {
	service  *Service
	store    *store.Store
	signing  *signing.Service
	ledger   *ledger.Service
	evidence *evidence.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.NewFileBackend(filepath.Join(dir, "store"))
	require.NoError(t, err)
	st, err := store.New(backend, nil)
	require.NoError(t, err)
	sg, err := signing.NewService(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)
	lg, err := ledger.Open(filepath.Join(dir, "ledger.ndjson"))
	require.NoError(t, err)
	ev := evidence.NewService(st)
	return &fixture{
		service:  NewService(st, sg, lg, nil, ev),
		store:    st,
		signing:  sg,
		ledger:   lg,
		evidence: ev,
	}
}

func testAction() *contracts.Action {
	return &contracts.Action{
		ActionID: contracts.NewID(contracts.PrefixAction),
		TenantID: "tenant_alpha",
		Actor:    contracts.Actor{UserID: "user_1"},
		Resource: contracts.Resource{ToolID: "jira", Operation: "create_ticket", Target: "PROJ"},
	}
}

func emit(t *testing.T, f *fixture, action *contracts.Action, typ contracts.ReceiptType) *contracts.Receipt {
	t.Helper()
	r, err := f.service.CreateReceipt(context.Background(), CreateParams{
		Action: action,
		Type:   typ,
		Policy: contracts.PolicyOutcome{Decision: contracts.DecisionAllow, PolicySetID: "pol_1", Rationale: "ok"},
		Risk:   contracts.RiskSnapshot{Score: 45, Tier: contracts.RiskMedium},
	})
	require.NoError(t, err)
	return r
}

func TestReceiptChainLinks(t *testing.T) {
	f := newFixture(t)
	action := testAction()

	r1 := emit(t, f, action, contracts.ReceiptRequested)
	r2 := emit(t, f, action, contracts.ReceiptApproved)
	r3 := emit(t, f, action, contracts.ReceiptExecuted)

	assert.Nil(t, r1.PreviousReceiptID)
	require.NotNil(t, r2.PreviousReceiptID)
	assert.Equal(t, r1.ReceiptID, *r2.PreviousReceiptID)
	require.NotNil(t, r3.PreviousReceiptID)
	assert.Equal(t, r2.ReceiptID, *r3.PreviousReceiptID)
}

type captureMetrics struct {
	types []string
}

func (c *captureMetrics) RecordReceipt(_ context.Context, receiptType string) {
	c.types = append(c.types, receiptType)
}

func TestCreateCountsSignedReceipts(t *testing.T) {
	f := newFixture(t)
	metrics := &captureMetrics{}
	f.service.WithMetrics(metrics)

	action := testAction()
	emit(t, f, action, contracts.ReceiptRequested)
	emit(t, f, action, contracts.ReceiptApproved)

	assert.Equal(t, []string{"requested", "approved"}, metrics.types)
}

func TestPayloadHashCoversUnsignedForm(t *testing.T) {
	f := newFixture(t)
	r := emit(t, f, testAction(), contracts.ReceiptRequested)

	hash, err := canonicalize.CanonicalHash(r.Unsigned())
	require.NoError(t, err)
	assert.Equal(t, hash, r.Integrity.PayloadHash)
	assert.True(t, f.signing.Verify([]byte(hash), r.Integrity.Signature, r.Integrity.SigningKeyID))
}

func TestCreateAppendsToLedgerAndEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := testAction()
	r1 := emit(t, f, action, contracts.ReceiptRequested)
	emit(t, f, action, contracts.ReceiptApproved)

	report, err := f.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, uint64(2), report.LastSequence)

	sub, err := f.evidence.Traverse(ctx, "tenant_alpha", action.ActionID, 2)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3) // action + two receipts
	var precedes bool
	for _, e := range sub.Edges {
		if e.Relation == "precedes" {
			precedes = true
		}
	}
	assert.True(t, precedes, "prior receipt must link to its successor, chain head %s", r1.ReceiptID)
}

func TestVerifyHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := testAction()
	emit(t, f, action, contracts.ReceiptRequested)
	r2 := emit(t, f, action, contracts.ReceiptExecuted)

	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{ReceiptID: r2.ReceiptID})
	require.NoError(t, err)
	assert.True(t, result.Valid(), "errors: %v", result.VerificationErrors)
}

func TestVerifySurvivesKeyRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := testAction()
	r1 := emit(t, f, action, contracts.ReceiptRequested)

	_, err := f.signing.RotateTenantKey("tenant_alpha")
	require.NoError(t, err)
	r2 := emit(t, f, action, contracts.ReceiptApproved)
	assert.NotEqual(t, r1.Integrity.SigningKeyID, r2.Integrity.SigningKeyID)

	for _, id := range []string{r1.ReceiptID, r2.ReceiptID} {
		result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{ReceiptID: id})
		require.NoError(t, err)
		assert.True(t, result.Valid(), "receipt %s: %v", id, result.VerificationErrors)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := emit(t, f, testAction(), contracts.ReceiptRequested)

	tampered := *r
	tampered.Resource.Target = "prod-finance"
	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt: &tampered,
		Chain:   []*contracts.Receipt{&tampered},
	})
	require.NoError(t, err)
	assert.False(t, result.IsSignatureValid)
	assert.NotEmpty(t, result.VerificationErrors)
}

func TestVerifyUnknownSigningKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := emit(t, f, testAction(), contracts.ReceiptRequested)

	// Key material restricted to a list that lacks the signing key.
	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt: r,
		Chain:   []*contracts.Receipt{r},
		PublicKeys: []contracts.TenantKey{
			{KeyID: "key_other", PublicKeyPEM: "irrelevant"},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.IsSignatureValid)
	require.NotEmpty(t, result.VerificationErrors)
	assert.Contains(t, result.VerificationErrors[0], "unknown signing key")
}

func TestVerifyWithSuppliedPublicKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := emit(t, f, testAction(), contracts.ReceiptRequested)

	keys := f.signing.ListTenantPublicKeys("tenant_alpha")
	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt:    r,
		Chain:      []*contracts.Receipt{r},
		PublicKeys: keys,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid(), "errors: %v", result.VerificationErrors)
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := testAction()
	r1 := emit(t, f, action, contracts.ReceiptRequested)
	r2 := emit(t, f, action, contracts.ReceiptApproved)

	bogus := "rcpt_bogus"
	broken := *r2
	broken.PreviousReceiptID = &bogus
	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt: &broken,
		Chain:   []*contracts.Receipt{r1, &broken},
	})
	require.NoError(t, err)
	assert.False(t, result.IsChainValid)
}

func TestVerifySchemaViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := emit(t, f, testAction(), contracts.ReceiptRequested)

	bad := *r
	bad.SchemaVersion = "999"
	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt: &bad,
		Chain:   []*contracts.Receipt{&bad},
	})
	require.NoError(t, err)
	assert.False(t, result.IsSchemaValid)
}

func TestVerifyMonotoneTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	action := testAction()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.service.WithClock(func() time.Time { return current })
	r1 := emit(t, f, action, contracts.ReceiptRequested)
	current = current.Add(-time.Hour) // clock skew backwards
	r2 := emit(t, f, action, contracts.ReceiptApproved)

	result, err := f.service.Verify(ctx, "tenant_alpha", VerifyInput{
		Receipt: r2,
		Chain:   []*contracts.Receipt{r1, r2},
	})
	require.NoError(t, err)
	assert.False(t, result.IsChainValid)
}
