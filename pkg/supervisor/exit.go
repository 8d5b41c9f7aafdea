package supervisor

import (
	"github.com/amazonlinux/bottlerocket/strapper/pkg/store"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/transport"
	"github.com/pkg/errors"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitAuthRevoked = 3
	ExitStore       = 4
	ExitConfig      = 5
)

// StartupError is a desired state that could not be reconciled at startup
// because it is malformed.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return "startup desired state rejected: " + e.Err.Error()
}

func (e *StartupError) Unwrap() error { return e.Err }

// UsageError is a configuration the agent cannot start with, ie: unreadable
// credentials.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode maps the error Run returned to the process exit code.
func ExitCode(err error) int {
	var (
		startup *StartupError
		usage   *UsageError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, transport.ErrAuthRevoked):
		return ExitAuthRevoked
	case errors.Is(err, store.ErrUnrecoverable):
		return ExitStore
	case errors.As(err, &startup):
		return ExitConfig
	case errors.As(err, &usage):
		return ExitUsage
	default:
		return ExitFailure
	}
}
