package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

const (
	ServiceName   = "strapper.NodeStateService"
	SessionMethod = "/" + ServiceName + "/Session"
)

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// SessionClient is the agent's end of a session stream.
type SessionClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	CloseSend() error
	Context() context.Context
}

type sessionClient struct {
	grpc.ClientStream
}

func (s *sessionClient) Send(env *Envelope) error {
	return s.ClientStream.SendMsg(env)
}

func (s *sessionClient) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ClientStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

// OpenSession starts a session stream on cc.
func OpenSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (SessionClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &sessionStreamDesc, SessionMethod, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to open session")
	}
	return &sessionClient{stream}, nil
}

// SessionServer is the coordinator's end of a session stream.
type SessionServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	Context() context.Context
}

type sessionServer struct {
	grpc.ServerStream
}

func (s *sessionServer) Send(env *Envelope) error {
	return s.ServerStream.SendMsg(env)
}

func (s *sessionServer) Recv() (*Envelope, error) {
	env := new(Envelope)
	if err := s.ServerStream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Handler serves sessions on the coordinator side.
type Handler interface {
	Session(SessionServer) error
}

// RegisterHandler registers h to serve the session service on s.
func RegisterHandler(s *grpc.Server, h Handler) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Handler)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    sessionStreamDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(Handler).Session(&sessionServer{stream})
			},
		}},
		Metadata: "strapper/session",
	}, h)
}
