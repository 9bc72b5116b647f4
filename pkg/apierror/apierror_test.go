package apierror

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{ErrUnauthorized, CodeUnauthorized},
		{ErrNotFound, CodeNotFound},
		{ErrValidation, CodeValidation},
		{ErrIdempotencyConflict, CodeIdempotencyConflict},
		{ErrTenantScope, CodeForbidden},
		{ErrMTLSRequired, CodeMTLSRequired},
		{ErrRateLimited, CodeRateLimited},
		{ErrInvalidState, CodeConflict},
		{ErrStepUpRequired, CodeForbidden},
		{errors.New("mystery"), CodeInternal},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("approval appr_1: %w", ErrStepUpRequired)
	if CodeOf(err) != CodeForbidden {
		t.Fatalf("wrapped sentinel lost its code: %s", CodeOf(err))
	}
}

func TestTypedErrorCode(t *testing.T) {
	err := Newf(CodeValidation, "retentionDays must be >= 1, got %d", 0)
	if CodeOf(err) != CodeValidation {
		t.Fatal("typed error code not recognized")
	}
	wrapped := fmt.Errorf("applying policy: %w", err)
	if CodeOf(wrapped) != CodeValidation {
		t.Fatal("typed error code lost through wrapping")
	}
}

func TestToEnvelopeMasksInternal(t *testing.T) {
	env := ToEnvelope(errors.New("pq: connection refused"), "req_1")
	if env.Error.Code != CodeInternal {
		t.Fatalf("expected internal, got %s", env.Error.Code)
	}
	if env.Error.Message == "pq: connection refused" {
		t.Fatal("internal error detail leaked to caller")
	}
	if env.Error.RequestID != "req_1" {
		t.Fatal("request id not echoed")
	}
}

func TestToEnvelopeKeepsCallerErrors(t *testing.T) {
	env := ToEnvelope(New(CodeNotFound, "action act_9 not found"), "")
	if env.Error.Message != "not_found: action act_9 not found" {
		t.Fatalf("unexpected message: %s", env.Error.Message)
	}
}
