// Package exerr defines the closed error taxonomy surfaced by the wallet
// and escrow core. Every kind except Transient is a terminal business
// outcome the caller must not blindly retry; Transient wraps a storage or
// communication failure after a full rollback, safe to retry from scratch.
package exerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy.
type Kind int

const (
	// Unknown is the zero kind for errors not produced by this package.
	Unknown Kind = iota
	// NotFound means the referenced order, trade, or wallet is absent.
	NotFound
	// Forbidden means the caller lacks the role required for the transition.
	Forbidden
	// InvalidState means the requested transition is illegal from the
	// current state.
	InvalidState
	// OutOfLimits means the trade amount is outside the order's min/max.
	OutOfLimits
	// InsufficientFunds means the wallet balance cannot cover a lock.
	InsufficientFunds
	// Transient is a storage/communication failure; the whole unit of work
	// rolled back and may be retried.
	Transient
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case InvalidState:
		return "invalid_state"
	case OutOfLimits:
		return "out_of_limits"
	case InsufficientFunds:
		return "insufficient_funds"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error carries a kind plus a user-presentable message. It wraps an
// underlying cause when one exists.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
