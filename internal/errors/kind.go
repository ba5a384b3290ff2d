package errors

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the trading core.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFeedGap
	KindReconciliationMismatch
	KindSubmissionFailed
	KindRiskRejection
	KindKillSwitchEngaged
	KindDrawdownKillSwitch
	KindLedgerInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindFeedGap:
		return "FeedGap"
	case KindReconciliationMismatch:
		return "ReconciliationMismatch"
	case KindSubmissionFailed:
		return "SubmissionFailed"
	case KindRiskRejection:
		return "RiskRejection"
	case KindKillSwitchEngaged:
		return "KillSwitchEngaged"
	case KindDrawdownKillSwitch:
		return "DrawdownKillSwitch"
	case KindLedgerInvariantViolation:
		return "LedgerInvariantViolation"
	default:
		return "Unknown"
	}
}

// Severity orders kinds by urgency.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Severity returns the urgency of k.
func (k Kind) Severity() Severity {
	switch k {
	case KindRiskRejection:
		return SeverityInfo
	case KindFeedGap, KindReconciliationMismatch:
		return SeverityWarning
	case KindSubmissionFailed:
		return SeverityError
	case KindKillSwitchEngaged, KindDrawdownKillSwitch:
		return SeverityCritical
	case KindLedgerInvariantViolation:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// Error is a classified failure. It unwraps to its cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Newf creates a classified error.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapKind classifies err under kind. A nil err yields nil.
func WrapKind(err error, kind Kind, text string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: text, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += sep + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// KindOf returns the outermost classification in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// IsFatal reports whether err must halt trading.
func IsFatal(err error) bool {
	return KindOf(err).Severity() == SeverityFatal
}
