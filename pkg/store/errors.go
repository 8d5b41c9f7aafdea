package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnrecoverable is matched by errors that leave the state directory
// unusable. The agent cannot make progress without its records and exits.
var ErrUnrecoverable = errors.New("state store unrecoverable")

// Error is an I/O failure on the state directory.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every store Error match ErrUnrecoverable.
func (e *Error) Is(target error) bool { return target == ErrUnrecoverable }

// CorruptError is a persisted file that could not be understood. Corrupt
// files are quarantined rather than returned to callers.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }
