// Package daqerr defines the runtime's error taxonomy: a small set of
// stable, machine-readable kinds plus a wrapper that carries the
// operation and human-readable message a caller needs for diagnosis.
package daqerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable, wire-facing error classification. It is a string
// newtype so it is comparable, cheap, and implements error directly.
type Kind string

const (
	ConfigError          Kind = "config_error"
	DomainViolation      Kind = "domain_violation"
	CapabilityNotSupported Kind = "capability_not_supported"
	ProtocolMismatch     Kind = "protocol_mismatch"
	Timeout              Kind = "timeout"
	DeviceFaulted        Kind = "device_faulted"
	DeviceUnavailable    Kind = "device_unavailable"
	IoFailure            Kind = "io_failure"
	ValidationError      Kind = "validation_error"
	EngineStateError     Kind = "engine_state_error"
	Cancelled            Kind = "cancelled"
)

func (k Kind) Error() string { return string(k) }

// E wraps a Kind with the operation that failed, a human-readable
// message, and (optionally) an underlying cause.
type E struct {
	K   Kind
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	switch {
	case e.Msg != "" && e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.K, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.K, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.K)
	default:
		return string(e.K)
	}
}

func (e *E) Unwrap() error { return e.Err }

// Is allows errors.Is(err, SomeKind) to match both a bare Kind and an
// *E wrapping that Kind.
func (e *E) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.K == k
	}
	return false
}

// New builds an *E with no underlying cause.
func New(k Kind, op, msg string) *E {
	return &E{K: k, Op: op, Msg: msg}
}

// Wrap attaches a Kind and operation to an existing error, preserving
// it (with a pkg/errors stack attached) as the Unwrap() target so
// callers can still inspect the cause with errors.Is or errors.As.
// *E has no Cause method, so pkg/errors.Cause stops at the *E itself.
func Wrap(err error, k Kind, op string) *E {
	if err == nil {
		return nil
	}
	return &E{K: k, Op: op, Msg: err.Error(), Err: errors.WithStack(err)}
}

// KindOf extracts the Kind from an error, defaulting to IoFailure for
// errors the runtime didn't originate (an unclassified error is
// treated as a transport-level failure, the most conservative choice
// for retry-policy purposes).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if k, ok := err.(Kind); ok {
		return k
	}
	type coder interface{ Code() Kind }
	if c, ok := err.(coder); ok {
		return c.Code()
	}
	var e *E
	if errors.As(err, &e) {
		return e.K
	}
	return IoFailure
}

// Code satisfies the coder interface used by KindOf, and lets *E
// itself be matched the same way a bare Kind is.
func (e *E) Code() Kind { return e.K }
