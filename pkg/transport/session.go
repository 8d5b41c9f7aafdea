package transport

import (
	"context"
	"io"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/coordinator"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

type received struct {
	env *coordinator.Envelope
	err error
}

// session runs a single session to completion. established reports whether
// the handshake completed.
func (c *Client) session(ctx context.Context, cc grpc.ClientConnInterface) (established bool, err error) {
	c.setState(Connecting)

	// The stream outlives ctx so that reports can be flushed while draining.
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStream()
	stopAbort := context.AfterFunc(ctx, cancelStream)
	defer stopAbort()

	connectTimer := time.AfterFunc(c.cfg.ConnectTimeout, cancelStream)
	stream, err := coordinator.OpenSession(streamCtx, cc, grpc.WaitForReady(true))
	if !connectTimer.Stop() {
		return false, &Error{Kind: KindTimeout, Op: "connect", Err: errors.Errorf("no connection within %s", c.cfg.ConnectTimeout)}
	}
	if err != nil {
		return false, classify("connect", KindConnect, err)
	}

	recv := make(chan received)
	go func() {
		for {
			env, err := stream.Recv()
			select {
			case recv <- received{env, err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	c.setState(Authenticating)
	token, err := c.handshake(ctx, stream, recv)
	if err != nil {
		return false, err
	}
	// From here on shutdown drains the session rather than aborting it.
	if !stopAbort() {
		return true, nil
	}
	c.setToken(token)
	c.setState(Connected)
	c.metrics.SetConnected(true)
	defer c.metrics.SetConnected(false)
	c.log.Info("session established")

	s := &liveSession{
		Client: c,
		stream: stream,
		recv:   recv,
		log:    c.log.WithField(logging.SubComponentField, "session"),
	}
	defer func() {
		// Reports the coordinator never acknowledged are sent again on the
		// next session.
		c.reports.Requeue(s.unacked)
	}()
	return true, s.run(ctx)
}

func (c *Client) handshake(ctx context.Context, stream coordinator.SessionClient, recv <-chan received) (SessionToken, error) {
	hello := coordinator.Hello{
		ProtocolVersion: coordinator.ProtocolVersion,
		AgentVersion:    c.cfg.AgentVersion,
		NodeName:        c.cfg.NodeName,
		LastVersion:     c.cfg.LastVersion(),
	}
	if c.cfg.Advertise != nil {
		node, err := c.cfg.Advertise(ctx)
		if err != nil {
			c.log.WithError(err).Warn("unable to describe node, continuing without")
		}
		hello.Node = node
	}
	env, err := coordinator.NewEnvelope(coordinator.KindHello, &hello)
	if err != nil {
		return SessionToken{}, &Error{Kind: KindProtocol, Op: "hello", Err: err}
	}
	// io.EOF means the coordinator already ended the stream, its status is
	// read below.
	if err := stream.Send(env); err != nil && err != io.EOF {
		return SessionToken{}, classify("hello", KindConnect, err)
	}

	timer := time.NewTimer(c.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return SessionToken{}, &Error{Kind: KindTimeout, Op: "handshake", Err: errors.Errorf("no welcome within %s", c.cfg.RPCTimeout)}
	case r := <-recv:
		if r.err != nil {
			return SessionToken{}, classify("handshake", KindAuth, r.err)
		}
		switch r.env.Kind {
		case coordinator.KindWelcome:
			if r.env.SessionID == "" {
				return SessionToken{}, &Error{Kind: KindProtocol, Op: "handshake", Err: errors.New("welcome without session")}
			}
			return SessionToken{SessionID: r.env.SessionID, CertFingerprint: certFingerprint(c.cfg.TLS)}, nil
		case coordinator.KindReject:
			return SessionToken{}, rejected("handshake", r.env)
		default:
			return SessionToken{}, &Error{Kind: KindProtocol, Op: "handshake", Err: errors.Errorf("unexpected %s before welcome", r.env.Kind)}
		}
	}
}

func rejected(op string, env *coordinator.Envelope) error {
	if env.Permanent {
		return errors.WithMessagef(ErrAuthRevoked, "%s: %s", op, env.Reason)
	}
	return &Error{Kind: KindAuth, Op: op, Err: errors.Errorf("rejected: %s", env.Reason)}
}

// liveSession is an established session.
type liveSession struct {
	*Client

	stream coordinator.SessionClient
	recv   <-chan received
	log    logging.Logger

	unacked     []*model.StatusReport
	pingPending bool
	pingSent    time.Time
}

func (s *liveSession) run(ctx context.Context) error {
	ticker := time.NewTicker(s.keepaliveTick())
	defer ticker.Stop()

	if err := s.flush(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case r := <-s.recv:
			if r.err != nil {
				if r.err == io.EOF {
					return &Error{Kind: KindConnect, Op: "receive", Err: errors.New("coordinator closed the session")}
				}
				return classify("receive", KindConnect, r.err)
			}
			if err := s.handle(r.env); err != nil {
				return err
			}
		case <-s.reports.Ready():
			if err := s.flush(); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := s.keepalive(now); err != nil {
				return err
			}
		}
	}
}

// keepaliveTick checks often enough to notice a missing pong within the RPC
// timeout.
func (s *liveSession) keepaliveTick() time.Duration {
	tick := s.cfg.KeepaliveInterval
	if s.cfg.RPCTimeout < tick {
		tick = s.cfg.RPCTimeout
	}
	return tick
}

func (s *liveSession) keepalive(now time.Time) error {
	if s.pingPending {
		if now.Sub(s.pingSent) >= s.cfg.RPCTimeout {
			return &Error{Kind: KindTimeout, Op: "keepalive", Err: errors.Errorf("no pong within %s", s.cfg.RPCTimeout)}
		}
		return nil
	}
	if now.Sub(s.pingSent) < s.cfg.KeepaliveInterval {
		return nil
	}
	if err := s.stream.Send(&coordinator.Envelope{Kind: coordinator.KindPing}); err != nil {
		return classify("ping", KindConnect, err)
	}
	s.pingPending = true
	s.pingSent = now
	return nil
}

func (s *liveSession) handle(env *coordinator.Envelope) error {
	log := s.log.WithField("kind", env.Kind)
	switch env.Kind {
	case coordinator.KindDesiredState:
		var ds model.DesiredState
		if err := env.Decode(&ds); err != nil {
			return &Error{Kind: KindProtocol, Op: "desired-state", Err: err}
		}
		if ds.Version != env.Version {
			return &Error{Kind: KindProtocol, Op: "desired-state", Err: errors.Errorf("envelope version %d carries state version %d", env.Version, ds.Version)}
		}
		if s.inbox.Put(&ds) {
			s.metrics.IncDesiredReceived()
			log.WithField("version", ds.Version).Info("received desired state")
		}
	case coordinator.KindReportAck:
		s.ack(env.ReportID)
	case coordinator.KindPong:
		s.pingPending = false
	case coordinator.KindPing:
		if err := s.stream.Send(&coordinator.Envelope{Kind: coordinator.KindPong}); err != nil {
			return classify("pong", KindConnect, err)
		}
	case coordinator.KindReject:
		return rejected("session", env)
	default:
		log.Debug("ignoring unexpected message")
	}
	return nil
}

func (s *liveSession) ack(id string) {
	for i, r := range s.unacked {
		if r.ID == id {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
			s.log.WithField("report", id).Debug("report acknowledged")
			return
		}
	}
}

// flush sends every queued report.
func (s *liveSession) flush() error {
	queued := s.reports.Take()
	for i, r := range queued {
		env, err := coordinator.NewEnvelope(coordinator.KindReport, r)
		if err != nil {
			s.log.WithError(err).WithField("report", r.ID).Error("unable to encode report, dropping")
			continue
		}
		env.Version = r.Version
		env.ReportID = r.ID
		if err := s.stream.Send(env); err != nil {
			s.reports.Requeue(queued[i:])
			return classify("report", KindConnect, err)
		}
		s.unacked = append(s.unacked, r)
	}
	return nil
}

// drain flushes queued reports and waits, within the drain timeout, for the
// coordinator to acknowledge them and close the stream.
func (s *liveSession) drain() error {
	s.setState(Draining)
	s.log.WithField("queued", s.reports.Len()).Info("draining session")

	if err := s.flush(); err != nil {
		return err
	}
	if err := s.stream.CloseSend(); err != nil {
		return classify("close", KindConnect, err)
	}

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.log.WithField("unacked", len(s.unacked)).Warn("coordinator did not close session before drain timeout")
			return nil
		case r := <-s.recv:
			if r.err != nil {
				if r.err != io.EOF {
					s.log.WithError(r.err).Debug("session closed while draining")
				}
				return nil
			}
			if r.env.Kind == coordinator.KindReportAck {
				s.ack(r.env.ReportID)
			}
		}
	}
}
