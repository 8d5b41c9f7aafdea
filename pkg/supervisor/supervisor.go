// Package supervisor runs the agent: it keeps the coordinator session, feeds
// received desired states to the reconciliation engine and forwards the
// resulting reports, deciding which failures end the process.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/reconcile"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/transport"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/workgroup"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine reconciles desired states, see reconcile.Engine.
type Engine interface {
	Reconcile(ctx context.Context, ds *model.DesiredState, force bool) (*model.StatusReport, error)
	LastBegun() uint64
}

// Link is the session with the coordinator, see transport.Client.
type Link interface {
	Run(ctx context.Context) error
	Inbox() *transport.Inbox
	Report(r *model.StatusReport)
	State() transport.State
}

// DesiredStore holds the last begun desired state.
type DesiredStore interface {
	LoadDesired() (*model.DesiredState, error)
}

type Config struct {
	// Bootstrap is reconciled at startup when no desired state was persisted.
	Bootstrap *model.DesiredState
	// MetricsListen serves /metrics and /healthz when set.
	MetricsListen string
	// Registry is exposed on /metrics.
	Registry *prometheus.Registry
}

type Supervisor struct {
	cfg    Config
	log    logging.Logger
	engine Engine
	link   Link
	store  DesiredStore

	healthMu sync.Mutex
	health   Health
}

func New(cfg Config, engine Engine, link Link, st DesiredStore) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		log:    logging.New("supervisor"),
		engine: engine,
		link:   link,
		store:  st,
	}
}

// Run supervises the agent until ctx ends or a fatal error occurs. The
// returned error is nil after a clean shutdown, see ExitCode for the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Debug("starting")
	defer s.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	group.Work("transport", s.link.Run)
	group.Work("reconciler", s.reconciler)
	if s.cfg.MetricsListen != "" {
		group.Work("metrics", s.serve)
	}

	err := group.Wait()
	if err != nil {
		s.setError(err)
		s.log.WithError(err).Error("agent stopped")
	}
	return err
}

// reconciler performs the startup pass, then reconciles each desired state
// delivered by the coordinator in turn.
func (s *Supervisor) reconciler(ctx context.Context) error {
	inbox := s.link.Inbox()
	inbox.Seed(s.engine.LastBegun())
	if err := s.startup(ctx); err != nil {
		return err
	}

	for {
		ds, err := inbox.Next(ctx)
		if err != nil {
			return nil
		}
		if err := s.reconcile(ctx, ds, false); err != nil {
			return err
		}
	}
}

// startup re-drives the host to the last persisted desired state, or the
// bootstrap state on first boot, before any new state is accepted.
func (s *Supervisor) startup(ctx context.Context) error {
	ds, err := s.store.LoadDesired()
	if err != nil {
		return errors.WithMessage(err, "unable to load persisted desired state")
	}
	source := "persisted"
	if ds == nil && s.cfg.Bootstrap != nil {
		ds = s.cfg.Bootstrap
		source = "bootstrap"
	}
	if ds == nil {
		s.log.Info("no desired state yet, waiting for coordinator")
		return nil
	}
	s.log.WithFields(logfields.Desired(ds)).WithField("source", source).Info("reconciling startup state")

	err = s.reconcile(ctx, ds, true)
	var cerr *model.ConfigError
	if errors.As(err, &cerr) {
		return &StartupError{Err: err}
	}
	return err
}

// reconcile runs one pass. Unless forced, the pass is cancelled as soon as a
// newer desired state is accepted. A malformed desired state is reported and
// skipped.
func (s *Supervisor) reconcile(ctx context.Context, ds *model.DesiredState, force bool) error {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !force {
		unregister := s.link.Inbox().OnSupersede(ds.Version, cancel)
		defer unregister()
	}

	report, err := s.engine.Reconcile(passCtx, ds, force)
	s.link.Inbox().Seed(s.engine.LastBegun())
	if errors.Is(err, reconcile.ErrStale) {
		s.log.WithFields(logfields.Desired(ds)).Debug("skipping stale desired state")
		return nil
	}
	if report != nil {
		s.link.Report(report)
		s.setReport(report)
	}

	var cerr *model.ConfigError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cerr):
		s.setError(err)
		if force {
			return err
		}
		s.log.WithError(err).WithFields(logfields.Desired(ds)).Error("rejected desired state")
		return nil
	default:
		return err
	}
}

// Health is a snapshot of the agent's condition.
type Health struct {
	Transport    string    `json:"transport"`
	LastBegun    uint64    `json:"last_begun_version"`
	LastReport   string    `json:"last_report,omitempty"`
	LastReportAt time.Time `json:"last_report_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func (s *Supervisor) Health() Health {
	s.healthMu.Lock()
	h := s.health
	s.healthMu.Unlock()
	h.Transport = s.link.State().String()
	h.LastBegun = s.engine.LastBegun()
	return h
}

func (s *Supervisor) setReport(r *model.StatusReport) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastReport = r.DisplayString()
	s.health.LastReportAt = r.FinishedAt
}

func (s *Supervisor) setError(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastError = err.Error()
}
