package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "conflict")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeConflict, stdErrors.New("boom"), "inner"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("unexpected match for different code")
	}
	if CodeOf(wrapped) != CodeConflict {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
	if !HasCode(wrapped, CodeConflict) {
		t.Fatalf("expected HasCode to report conflict")
	}
}

func TestRegisteredAttributesAndOverrides(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !err.Retryable() || err.ShouldAlert() {
		t.Fatalf("unexpected registry defaults: retry=%v alert=%v", err.Retryable(), err.ShouldAlert())
	}

	overridden := New(code, "x", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical), WithMetadata("k", "v"))
	if overridden.Retryable() || !overridden.ShouldAlert() || overridden.Severity() != SeverityCritical {
		t.Fatalf("overrides not applied: %+v", overridden)
	}
	if overridden.Metadata()["k"] != "v" {
		t.Fatalf("metadata missing")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf("NEVER_REGISTERED")
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected unknown fallback, got %+v", attr)
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestKindOf(t *testing.T) {
	const code Code = "TEST_KINDLESS"
	Register(code, Attributes{Message: "no kind"})

	cases := []struct {
		err  error
		want Kind
	}{
		{New(CodeInvalidArgument, "bad"), KindInvalid},
		{fmt.Errorf("wrapped: %w", New(CodeNotFound, "")), KindNotFound},
		{New(CodeQueueFailure, ""), KindUnavailable},
		{New(code, ""), KindInternal},
		{stdErrors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}
