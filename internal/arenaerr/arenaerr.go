// Package arenaerr defines the closed error taxonomy shared by every
// core component, following the sentinel-error style the teacher uses
// locally in pvpchess.Manager (errNotYourTurn, errIllegalMove) but
// promoted to a package so all components report the same kinds.
package arenaerr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from the error handling design.
type Kind string

const (
	Unauthenticated  Kind = "unauthenticated"
	Unauthorized     Kind = "unauthorized"
	NotFound         Kind = "not_found"
	NotYourTurn      Kind = "not_your_turn"
	IllegalMove      Kind = "illegal_move"
	Finalized        Kind = "finalized"
	BadRequest       Kind = "bad_request"
	Conflict         Kind = "conflict"
	StoreUnavailable Kind = "store_unavailable"
	BusUnavailable   Kind = "bus_unavailable"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, arenaerr.New(arenaerr.NotFound, "")) matches any
// NotFound error in err's chain.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for
// unrecognized errors so callers always have a taxonomy value to
// branch on.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Sentinel instances for errors.Is comparisons against a fixed kind
// with no specific message, e.g. errors.Is(err, arenaerr.ErrNotFound).
var (
	ErrNotFound         = New(NotFound, "not found")
	ErrNotYourTurn      = New(NotYourTurn, "not your turn")
	ErrIllegalMove      = New(IllegalMove, "illegal move")
	ErrFinalized        = New(Finalized, "game already finalized")
	ErrStoreUnavailable = New(StoreUnavailable, "store unavailable")
	ErrBusUnavailable   = New(BusUnavailable, "event bus unavailable")
)
