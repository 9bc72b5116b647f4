package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
)

// DefaultMaxClockSkew bounds how stale an attestation may be.
const DefaultMaxClockSkew = 300 * time.Second

// WorkloadAttestation binds a service subject to a client certificate
// fingerprint at a point in time. The signature is an HMAC over
// "subject\nfingerprint\nissuedAt" (unix seconds).
type WorkloadAttestation struct {
	Subject           string `json:"subject"`
	FingerprintSHA256 string `json:"fingerprintSha256"`
	IssuedAt          int64  `json:"issuedAt"`
	Signature         string `json:"signature"`
}

// MTLSVerifier checks workload attestations against a trusted identity list.
type MTLSVerifier struct {
	secret  []byte
	trusted map[string]string
	maxSkew time.Duration
	clock   func() time.Time
}

// NewMTLSVerifier creates the verifier. trusted maps subject to the expected
// certificate fingerprint (lowercase hex).
func NewMTLSVerifier(attestationSecret string, trusted map[string]string, maxSkew time.Duration) (*MTLSVerifier, error) {
	if attestationSecret == "" {
		return nil, fmt.Errorf("identity: mtls attestation secret is required")
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	normalized := make(map[string]string, len(trusted))
	for subject, fingerprint := range trusted {
		normalized[subject] = strings.ToLower(fingerprint)
	}
	return &MTLSVerifier{
		secret:  []byte(attestationSecret),
		trusted: normalized,
		maxSkew: maxSkew,
		clock:   time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *MTLSVerifier) WithClock(clock func() time.Time) *MTLSVerifier {
	v.clock = clock
	return v
}

// Attest signs an attestation for the subject and fingerprint, stamped now.
func (v *MTLSVerifier) Attest(subject, fingerprint string) WorkloadAttestation {
	issuedAt := v.clock().UTC().Unix()
	return WorkloadAttestation{
		Subject:           subject,
		FingerprintSHA256: strings.ToLower(fingerprint),
		IssuedAt:          issuedAt,
		Signature:         v.sign(subject, strings.ToLower(fingerprint), issuedAt),
	}
}

// Verify checks signature, freshness and trusted-list membership.
func (v *MTLSVerifier) Verify(att WorkloadAttestation) error {
	fingerprint := strings.ToLower(att.FingerprintSHA256)
	want := v.sign(att.Subject, fingerprint, att.IssuedAt)
	if !hmac.Equal([]byte(want), []byte(att.Signature)) {
		return apierror.Wrap(apierror.CodeMTLSRequired, "attestation signature mismatch", apierror.ErrMTLSRequired)
	}
	skew := v.clock().UTC().Sub(time.Unix(att.IssuedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return apierror.Wrap(apierror.CodeMTLSRequired, "attestation outside allowed clock skew", apierror.ErrMTLSRequired)
	}
	if expected, ok := v.trusted[att.Subject]; !ok || expected != fingerprint {
		return apierror.Wrap(apierror.CodeMTLSRequired,
			fmt.Sprintf("workload identity %s is not trusted", att.Subject), apierror.ErrMTLSRequired)
	}
	return nil
}

func (v *MTLSVerifier) sign(subject, fingerprint string, issuedAt int64) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", subject, fingerprint, issuedAt)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
