package svcmgr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an adapter failure.
type Kind string

const (
	// NotFound means the service manager does not know the unit.
	NotFound Kind = "not-found"
	// PermissionDenied means the agent lacks the authority to act on the unit.
	PermissionDenied Kind = "permission-denied"
	// Timeout means the service manager did not finish within the deadline.
	Timeout Kind = "timeout"
	// Transient failures are expected to clear on their own.
	Transient Kind = "transient"
	// Invalid means the unit itself is unusable as given.
	Invalid Kind = "invalid"
)

// Error is returned by Managers for failures scoped to a single unit.
type Error struct {
	Kind Kind
	Unit string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Unit, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without the unit
// changing. Only a unit the manager rejected as invalid needs a new spec.
func (e *Error) Retryable() bool {
	return e.Kind != Invalid
}

// Retryable reports whether the unit that failed with err is worth applying
// again as is. Errors that did not come from a Manager are.
func Retryable(err error) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Retryable()
	}
	return true
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, op, unit, format string, args ...interface{}) error {
	return &Error{Kind: kind, Unit: unit, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of an adapter error, Transient for errors that did
// not come from a Manager.
func KindOf(err error) Kind {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Kind
	}
	return Transient
}
