// Package errkind attaches a small closed error-kind taxonomy to the
// juju/errors cause chains used throughout the engine (spec.md section 7).
package errkind

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind is one of the seven error kinds the engine distinguishes.
type Kind int

const (
	// TransientIO is a read/write/fsync failure surfaced to the caller.
	TransientIO Kind = iota
	// NotFound is a legitimate lookup miss, not an error condition by itself.
	NotFound
	// Integrity is a CRC mismatch on a page or log frame.
	Integrity
	// Exhaustion is a full log, full allocator, or all-pinned cache.
	Exhaustion
	// Configuration is a startup-time mismatch against persisted dump data.
	Configuration
	// ContractViolation is a broken invariant, e.g. an oversized key.
	ContractViolation
	// ReplayDuplicate is a benign, already-applied replay delivery.
	ReplayDuplicate
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient-io"
	case NotFound:
		return "not-found"
	case Integrity:
		return "integrity"
	case Exhaustion:
		return "exhaustion"
	case Configuration:
		return "configuration"
	case ContractViolation:
		return "contract-violation"
	case ReplayDuplicate:
		return "replay-duplicate"
	default:
		return "unknown"
	}
}

// kindError wraps a cause with a Kind so callers can classify it with As/Is
// while still keeping juju/errors' cause chain and stack trace intact.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause.Error())
}

func (e *kindError) Cause() error { return e.cause }

// New annotates err with kind, tracing it through juju/errors first so the
// stack trace is captured at the call site.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Trace(err)}
}

// Newf builds a fresh error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Of returns the Kind attached to err, and false if err was never classified.
func Of(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	return TransientIO, false
}

// Is reports whether err (or something in its cause chain) is of kind k.
func Is(err error, k Kind) bool {
	got, ok := Of(err)
	return ok && got == k
}
