// Package sdfserr defines the error kinds shared across the replica core,
// per the policy table in spec §7.
package sdfserr

import (
	"errors"
	"fmt"

	"github.com/sdfs-io/sdfs/pkg/log"
)

// Kind classifies an error for callers that need to branch on policy
// (retry, surface, or treat as fatal) rather than on the wrapped cause.
type Kind int

const (
	// Busy indicates throttle/retry-with-backoff.
	Busy Kind = iota
	// NoSpace indicates no online disk satisfies placement.
	NoSpace
	// NotFound indicates no such volume/chunk.
	NotFound
	// Exists indicates an idempotent-create conflict.
	Exists
	// IO indicates a byte-count mismatch or kernel I/O error.
	IO
	// BrokenPipe indicates a peer closed mid-handshake.
	BrokenPipe
	// Timeout indicates an explicit timeout at a yield.
	Timeout
	// Canceled indicates an explicit cancellation at a yield.
	Canceled
	// Internal indicates an invariant violation; the process should not
	// continue as if nothing happened.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Busy:
		return "BUSY"
	case NoSpace:
		return "NOSPACE"
	case NotFound:
		return "NOTFOUND"
	case Exists:
		return "EXISTS"
	case IO:
		return "IO"
	case BrokenPipe:
		return "BROKEN_PIPE"
	case Timeout:
		return "TIMEOUT"
	case Canceled:
		return "CANCELED"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// OnFatal is invoked by Fatal before it panics. Tests override this to make
// INTERNAL violations observable instead of crashing the test binary.
var OnFatal = func(err error) { panic(err) }

// Fatal reports an invariant violation: a resume without a matching yield,
// a byte-count mismatch the kernel didn't report, or similar. These are
// logic bugs and must never be converted into a user-facing error value.
func Fatal(msg string, args ...any) {
	err := New(Internal, fmt.Errorf(msg, args...))
	log.Logger.Error().Err(err).Msg("invariant violated")
	OnFatal(err)
}
