package transport

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAuthRevoked is returned by Run when the coordinator permanently refuses
// the agent's credentials. It is the only error Run returns.
var ErrAuthRevoked = errors.New("coordinator revoked the agent's credentials")

// Kind classifies a session failure. Every kind is retried after a backoff.
type Kind string

const (
	KindConnect  Kind = "connect"
	KindAuth     Kind = "auth"
	KindTimeout  Kind = "timeout"
	KindProtocol Kind = "protocol"
)

// Error is a failed session.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an error from the gRPC stream to a session failure, fallback
// is used for codes that say nothing more specific.
func classify(op string, fallback Kind, err error) error {
	switch status.Code(errors.Cause(err)) {
	case codes.PermissionDenied:
		return errors.WithMessagef(ErrAuthRevoked, "%s: %v", op, err)
	case codes.Unauthenticated:
		return &Error{Kind: KindAuth, Op: op, Err: err}
	case codes.DeadlineExceeded:
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: fallback, Op: op, Err: err}
}

// KindOf returns the kind of a session failure, "" for other errors.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return ""
}
