package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	err := Wrap(errWrapped, "Hello, Wrapped!")
	if err.Error() != "Hello, Wrapped!, err: wrapped error" {
		t.Fatalf("error mismatch: %+v", err)
	}
}

func TestKind(t *testing.T) {
	testCases := []struct {
		desc     string
		err      error
		kind     Kind
		fatal    bool
		severity Severity
	}{
		{"feed gap", Newf(KindFeedGap, "AAPL stale by %d", 3), KindFeedGap, false, SeverityWarning},
		{"wrapped mismatch", Wrap(Newf(KindReconciliationMismatch, "x"), "reconcile"), KindReconciliationMismatch, false, SeverityWarning},
		{"ledger", WrapKind(errWrapped, KindLedgerInvariantViolation, "lots"), KindLedgerInvariantViolation, true, SeverityFatal},
		{"kill switch", Newf(KindDrawdownKillSwitch, "dd"), KindDrawdownKillSwitch, false, SeverityCritical},
		{"plain", errWrapped, KindUnknown, false, SeverityError},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("kind mismatch! should be %s but got %s", tc.kind, got)
			}
			if got := IsFatal(tc.err); got != tc.fatal {
				t.Fatalf("fatal mismatch! should be %v but got %v", tc.fatal, got)
			}
			if got := KindOf(tc.err).Severity(); got != tc.severity {
				t.Fatalf("severity mismatch! should be %s but got %s", tc.severity, got)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := WrapKind(errWrapped, KindSubmissionFailed, "3 attempts")
	if !IsKind(err, KindSubmissionFailed) {
		t.Fatalf("expected SubmissionFailed in %v", err)
	}
	if IsKind(err, KindFeedGap) {
		t.Fatalf("unexpected FeedGap in %v", err)
	}
	if !errors.Is(err, errWrapped) {
		t.Fatalf("cause lost: %v", err)
	}
	if err.Error() != "SubmissionFailed: 3 attempts, err: wrapped error" {
		t.Fatalf("error mismatch: %s", err)
	}
}
