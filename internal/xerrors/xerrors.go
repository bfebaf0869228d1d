// Package xerrors defines the small taxonomy of error kinds used
// across the pipeline's components, wrapping github.com/pkg/errors so
// every error still carries a stack trace while remaining
// classifiable by the top-level caller (cmd/* binaries deciding exit
// codes, stsender/tsscheduler deciding whether a failure is
// retryable).
package xerrors

import "github.com/pkg/errors"

// Kind classifies an error for callers that need to branch on it
// (retry vs. abort) without string-matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration marks a problem in flags/config files that the
	// operator must fix; never retried.
	KindConfiguration
	// KindTransportConnect marks a failure establishing or
	// re-establishing a connection; the hktimer reconnect loop retries
	// these.
	KindTransportConnect
	// KindTransportSend marks a failure writing/reading an established
	// connection; the connection is torn down and reconnect is
	// attempted.
	KindTransportSend
	// KindProtocolViolation marks a peer sending a malformed or
	// out-of-sequence active message; the connection is dropped.
	KindProtocolViolation
	// KindInternalInvariant marks a bug: an invariant this codebase
	// itself is supposed to maintain was violated.
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransportConnect:
		return "transport-connect"
	case KindTransportSend:
		return "transport-send"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindInternalInvariant:
		return "internal-invariant"
	default:
		return "unknown"
	}
}

type kindedError struct {
	kind Kind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Cause() error  { return e.err }
func (e *kindedError) Unwrap() error { return e.err }

// Wrap attaches kind to err, adding a stack trace if err doesn't
// already carry one. Returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: errors.Wrap(err, message)}
}

// New creates a new error of kind with a stack trace attached.
func New(kind Kind, message string) error {
	return &kindedError{kind: kind, err: errors.New(message)}
}

// Errorf creates a new formatted error of kind with a stack trace attached.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindedError{kind: kind, err: errors.Errorf(format, args...)}
}

// KindOf extracts the Kind attached via Wrap/New/Errorf anywhere in
// err's chain, or KindUnknown if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindedError); ok {
			return ke.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindUnknown
}

// Retryable reports whether an error of this kind should be retried
// by a reconnect loop (transport-connect/transport-send) rather than
// surfaced as fatal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransportConnect, KindTransportSend:
		return true
	default:
		return false
	}
}
