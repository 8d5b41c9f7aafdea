// Package fakecoord runs an in-process coordinator over an in-memory listener
// for tests of the session protocol.
package fakecoord

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/coordinator"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// Target is the endpoint clients dial, paired with DialOptions.
const Target = "passthrough:///bufnet"

// Coordinator serves the session service. Its Fn hooks change how sessions
// are handled, the defaults welcome every agent and acknowledge every report.
type Coordinator struct {
	// HelloFn answers a hello, returning nil welcomes the agent.
	HelloFn func(hello coordinator.Hello) *coordinator.Envelope
	// SessionFn may fail a session before the hello is read.
	SessionFn func(n int) error
	// AckReports acknowledges received reports, on by default.
	AckReports bool
	// AnswerPings replies to pings, on by default.
	AnswerPings bool

	lis    *bufconn.Listener
	server *grpc.Server

	mu       sync.Mutex
	sessions int
	hellos   []coordinator.Hello
	reports  []model.StatusReport
	current  *session
	changed  chan struct{}
}

type session struct {
	id     string
	stream coordinator.SessionServer
	sendMu sync.Mutex
}

func (s *session) send(env *coordinator.Envelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(env)
}

// Start serves a new Coordinator until the test ends.
func Start(t testing.TB) *Coordinator {
	c := &Coordinator{
		AckReports:  true,
		AnswerPings: true,
		lis:         bufconn.Listen(1 << 20),
		server:      grpc.NewServer(),
		changed:     make(chan struct{}),
	}
	coordinator.RegisterHandler(c.server, c)
	go c.server.Serve(c.lis)
	t.Cleanup(c.Stop)
	return c
}

// Stop ends every session and the server.
func (c *Coordinator) Stop() {
	c.server.Stop()
}

// DialOptions connect a client to the Coordinator. Clients bring their own
// insecure transport credentials.
func (c *Coordinator) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return c.lis.DialContext(ctx)
		}),
	}
}

func (c *Coordinator) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Session handles one agent session.
func (c *Coordinator) Session(stream coordinator.SessionServer) error {
	c.mu.Lock()
	c.sessions++
	n := c.sessions
	sessionFn := c.SessionFn
	c.notify()
	c.mu.Unlock()

	if sessionFn != nil {
		if err := sessionFn(n); err != nil {
			return err
		}
	}

	env, err := stream.Recv()
	if err != nil {
		return err
	}
	if env.Kind != coordinator.KindHello {
		return errors.Errorf("expected hello, got %s", env.Kind)
	}
	var hello coordinator.Hello
	if err := env.Decode(&hello); err != nil {
		return err
	}

	c.mu.Lock()
	c.hellos = append(c.hellos, hello)
	helloFn := c.HelloFn
	c.notify()
	c.mu.Unlock()

	var reply *coordinator.Envelope
	if helloFn != nil {
		reply = helloFn(hello)
	}
	s := &session{id: fmt.Sprintf("session-%d", n), stream: stream}
	if reply == nil {
		reply = &coordinator.Envelope{Kind: coordinator.KindWelcome, SessionID: s.id}
	}
	if err := s.send(reply); err != nil {
		return err
	}
	if reply.Kind != coordinator.KindWelcome {
		return nil
	}

	c.mu.Lock()
	c.current = s
	c.notify()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.notify()
		c.mu.Unlock()
	}()

	for {
		env, err := stream.Recv()
		if err != nil {
			// io.EOF once the agent closes its side.
			return nil
		}
		switch env.Kind {
		case coordinator.KindReport:
			var r model.StatusReport
			if err := env.Decode(&r); err != nil {
				return err
			}
			c.mu.Lock()
			c.reports = append(c.reports, r)
			ack := c.AckReports
			c.notify()
			c.mu.Unlock()
			if ack {
				if err := s.send(&coordinator.Envelope{Kind: coordinator.KindReportAck, ReportID: env.ReportID}); err != nil {
					return err
				}
			}
		case coordinator.KindPing:
			c.mu.Lock()
			answer := c.AnswerPings
			c.mu.Unlock()
			if answer {
				if err := s.send(&coordinator.Envelope{Kind: coordinator.KindPong}); err != nil {
					return err
				}
			}
		}
	}
}

// Push sends ds on the current session.
func (c *Coordinator) Push(ds *model.DesiredState) error {
	env, err := coordinator.NewEnvelope(coordinator.KindDesiredState, ds)
	if err != nil {
		return err
	}
	env.Version = ds.Version
	return c.Send(env)
}

// Send sends a raw envelope on the current session.
func (c *Coordinator) Send(env *coordinator.Envelope) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return errors.New("no session")
	}
	return s.send(env)
}

func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

func (c *Coordinator) Hellos() []coordinator.Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]coordinator.Hello(nil), c.hellos...)
}

func (c *Coordinator) Reports() []model.StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.StatusReport(nil), c.reports...)
}

// Connected reports whether an agent holds an established session.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// WaitFor blocks until cond holds or the timeout passes.
func (c *Coordinator) WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()
		if cond() {
			return
		}
		select {
		case <-changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}
