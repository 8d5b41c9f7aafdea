package transport

import (
	"context"
	"crypto/tls"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/coordinator"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultEndpoint          = "leader.infra.ibj.io:55555"
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRPCTimeout        = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 2 * time.Minute
	DefaultReportQueue       = 32

	backoffFactor = 2.0
	backoffJitter = 0.2
)

type Config struct {
	Endpoint     string
	NodeName     string
	AgentVersion string
	// TLS enables mutual TLS, a nil config connects without transport
	// security.
	TLS *tls.Config

	ConnectTimeout    time.Duration
	RPCTimeout        time.Duration
	KeepaliveInterval time.Duration
	DrainTimeout      time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ReportQueue       int

	// Advertise describes the node in the handshake, optional.
	Advertise func(context.Context) (*coordinator.NodeDetails, error)
	// LastVersion is sent in the handshake so the coordinator can tell
	// whether the node is current.
	LastVersion func() uint64
	// DialOptions are appended to the client's own.
	DialOptions []grpc.DialOption
}

func (c *Config) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = DefaultBackoffMax
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	if c.ReportQueue <= 0 {
		c.ReportQueue = DefaultReportQueue
	}
	if c.LastVersion == nil {
		c.LastVersion = func() uint64 { return 0 }
	}
}

// Client maintains one session at a time with the coordinator, delivering
// desired states into its Inbox and uploading status reports.
type Client struct {
	cfg     Config
	log     logging.Logger
	metrics metrics.Recorder

	inbox   *Inbox
	reports *reportQueue

	state atomic.Int32

	tokenMu sync.Mutex
	token   SessionToken
}

type Option func(*Client)

func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

// WithInbox delivers desired states into inbox rather than a new one.
func WithInbox(inbox *Inbox) Option {
	return func(c *Client) {
		c.inbox = inbox
	}
}

func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		log:     logging.New("transport").WithField("endpoint", cfg.Endpoint),
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.inbox == nil {
		c.inbox = NewInbox()
	}
	c.reports = newReportQueue(cfg.ReportQueue, func(r *model.StatusReport) {
		c.log.WithField("report", r.ID).WithField("version", r.Version).Warn("report queue full, dropping oldest report")
		c.metrics.IncReportDropped()
	})
	return c
}

// Inbox receives the desired states delivered by the coordinator.
func (c *Client) Inbox() *Inbox {
	return c.inbox
}

// NextDesiredState suspends until the coordinator delivers a newer desired
// state or ctx ends.
func (c *Client) NextDesiredState(ctx context.Context) (*model.DesiredState, error) {
	return c.inbox.Next(ctx)
}

// Report queues r for upload. Reports wait while the link is down, the oldest
// is dropped once the queue is full.
func (c *Client) Report(r *model.StatusReport) {
	if r == nil {
		return
	}
	c.reports.Push(r)
}

// Pending is the number of reports waiting for upload.
func (c *Client) Pending() int {
	return c.reports.Len()
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.WithField("state", s.String()).Debug("transport state changed")
	}
}

// Token is the current session's token, invalid while disconnected.
func (c *Client) Token() SessionToken {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) setToken(t SessionToken) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = t
}

func (c *Client) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if c.cfg.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.cfg.TLS)))
	} else {
		c.log.Warn("connecting without transport security")
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:    c.cfg.KeepaliveInterval,
		Timeout: c.cfg.RPCTimeout,
	}))
	return append(opts, c.cfg.DialOptions...)
}

func (c *Client) newBackoff() wait.Backoff {
	return reconnectBackoff(c.cfg.BackoffInitial, c.cfg.BackoffMax)
}

// reconnectBackoff grows from initial towards ceiling. Jitter is added on top
// of each step, the cap leaves room for it below ceiling.
func reconnectBackoff(initial, ceiling time.Duration) wait.Backoff {
	limit := time.Duration(float64(ceiling) / (1 + backoffJitter))
	if initial > limit {
		initial = limit
	}
	return wait.Backoff{
		Duration: initial,
		Factor:   backoffFactor,
		Jitter:   backoffJitter,
		Steps:    math.MaxInt32,
		Cap:      limit,
	}
}

// Run keeps a session with the coordinator until ctx ends, reconnecting after
// failures. Queued reports are flushed before Run returns. Session failures
// are retried, the only session error Run returns is ErrAuthRevoked.
func (c *Client) Run(ctx context.Context) error {
	c.log.Debug("starting")
	defer c.log.Debug("finished")
	defer c.setState(Disconnected)

	cc, err := grpc.NewClient(c.cfg.Endpoint, c.dialOptions()...)
	if err != nil {
		// Only a malformed endpoint fails here.
		return errors.Wrap(err, "unable to create coordinator client")
	}
	defer cc.Close()

	backoff := c.newBackoff()
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			c.metrics.IncReconnect()
		}

		established, err := c.session(ctx, cc)
		c.setToken(SessionToken{})
		c.setState(Disconnected)
		if errors.Is(err, ErrAuthRevoked) {
			c.log.WithError(err).Error("coordinator refused agent")
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = c.newBackoff()
		}
		delay := backoff.Step()
		c.log.WithError(err).WithField("kind", KindOf(err)).WithField("retry", delay).Warn("session ended")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
