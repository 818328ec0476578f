// Package errs defines the closed set of error kinds the secure core can
// surface (spec §7): a tagged sum over Kind, wrapping an underlying error
// where one exists.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec §7.
type Kind int

const (
	// BadBundle means a signed prekey's signature failed to verify.
	BadBundle Kind = iota
	// UnknownOpk means the responder could not resolve a referenced one-time prekey.
	UnknownOpk
	// DuplicateInit means an X3DH initial message was seen before; treated as a replay.
	DuplicateInit
	// AuthFail means an AEAD open failed; the session survives until a threshold is crossed.
	AuthFail
	// TooManySkipped means a skipped-key bound (per-session or global) would be exceeded.
	TooManySkipped
	// ReplayOld means a (DH_pub, N) pair was already consumed.
	ReplayOld
	// Closed means the caller or peer has closed the session.
	Closed
	// Enqueue means a write queue was full; the caller should back off.
	Enqueue
	// Timeout means an RPC or connect attempt exceeded its deadline.
	Timeout
	// Protocol means a malformed frame, bad length, or unknown msg_type was seen.
	Protocol
)

func (k Kind) String() string {
	switch k {
	case BadBundle:
		return "bad_bundle"
	case UnknownOpk:
		return "unknown_opk"
	case DuplicateInit:
		return "duplicate_init"
	case AuthFail:
		return "auth_fail"
	case TooManySkipped:
		return "too_many_skipped"
	case ReplayOld:
		return "replay_old"
	case Closed:
		return "closed"
	case Enqueue:
		return "enqueue"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a Kind plus context, optionally wrapping an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.AuthFail, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=true.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
