package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/fakesvc"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/units"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/reconcile"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/store"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/transport"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const waitTimeout = 5 * time.Second

// fakeLink stands in for the coordinator session. Desired states are put
// straight into its inbox.
type fakeLink struct {
	RunFn func(ctx context.Context) error

	inbox *transport.Inbox

	mu      sync.Mutex
	reports []*model.StatusReport
	changed chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbox: transport.NewInbox(), changed: make(chan struct{}, 1)}
}

func (l *fakeLink) Run(ctx context.Context) error {
	if l.RunFn != nil {
		return l.RunFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (l *fakeLink) Inbox() *transport.Inbox {
	return l.inbox
}

func (l *fakeLink) Report(r *model.StatusReport) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *fakeLink) State() transport.State {
	return transport.Connected
}

func (l *fakeLink) Reports() []*model.StatusReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*model.StatusReport(nil), l.reports...)
}

func (l *fakeLink) waitReports(t *testing.T, n int) []*model.StatusReport {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if reports := l.Reports(); len(reports) >= n {
			return reports
		}
		select {
		case <-l.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d reports, have %d", n, len(l.Reports()))
		}
	}
}

type harness struct {
	sup    *Supervisor
	link   *fakeLink
	mgr    *fakesvc.Manager
	engine *reconcile.Engine
	store  *store.Store
}

func newHarness(t *testing.T, dir string, cfg Config) *harness {
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	st, err := store.Open(dir)
	assert.NilError(t, err)
	mgr := fakesvc.New()
	engine := reconcile.New(st, mgr)
	link := newFakeLink()
	return &harness{
		sup:    New(cfg, engine, link, st),
		link:   link,
		mgr:    mgr,
		engine: engine,
		store:  st,
	}
}

// run starts the supervisor, the returned func stops it and yields Run's
// error.
func (h *harness) run(t *testing.T) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(waitTimeout):
				t.Fatal("supervisor did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir, Config{})
	_, err := first.engine.Reconcile(context.Background(), units.Desired(2, units.Running("a.service"), units.Enabled("b.service")), false)
	assert.NilError(t, err)

	// A new agent over the same state directory.
	h := newHarness(t, dir, Config{Bootstrap: units.Desired(1, units.Running("bootstrap.service"))})
	stop := h.run(t)

	reports := h.link.waitReports(t, 1)
	assert.Equal(t, reports[0].Version, uint64(2))
	assert.Check(t, reports[0].Forced)

	// Versions at or below the startup state are never accepted again.
	assert.Check(t, !h.link.inbox.Put(units.Desired(2, units.Running("c.service"))))
	assert.Check(t, h.link.inbox.Put(units.Desired(3, units.Running("a.service"))))
	reports = h.link.waitReports(t, 2)
	assert.Equal(t, reports[1].Version, uint64(3))
	assert.Check(t, !reports[1].Forced)

	assert.NilError(t, stop())
	assert.Equal(t, len(h.link.Reports()), 2)
	for _, name := range h.mgr.Applied() {
		assert.Check(t, name != "bootstrap.service" && name != "c.service", "applied %s", name)
	}
}

func TestStartupPassRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	ds := units.Desired(1, units.Running("a.service", units.WithOrder(1)), units.Running("b.service", units.WithOrder(2)))
	first := newHarness(t, dir, Config{})
	_, err := first.engine.Reconcile(context.Background(), ds, false)
	assert.NilError(t, err)

	h := newHarness(t, dir, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.mgr.QueryFn = func(_ context.Context, name string) (model.RuntimeStatus, error) {
		if name == "a.service" {
			close(started)
			<-release
			return model.StatusActive, nil
		}
		return model.StatusFailed, nil
	}
	stop := h.run(t)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("startup pass did not start")
	}
	assert.Check(t, h.link.inbox.Put(units.Desired(2, ds.Units...)))
	close(release)

	reports := h.link.waitReports(t, 2)
	assert.NilError(t, stop())

	startup := reports[0]
	assert.Equal(t, startup.Version, uint64(1))
	assert.Check(t, startup.Forced)
	assert.Check(t, !startup.Superseded)
	assert.Equal(t, result(t, startup, "b.service").Reason, model.ReasonDrift)
	assert.Equal(t, result(t, startup, "b.service").Outcome, model.OutcomeApplied)

	assert.Equal(t, reports[1].Version, uint64(2))
	assert.Equal(t, result(t, reports[1], "b.service").Reason, model.ReasonUnchanged)
	assert.DeepEqual(t, h.mgr.Applied(), []string{"b.service"})
}

func TestBootstrapState(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{Bootstrap: units.Desired(1, units.Enabled("sshd.service"))})
	stop := h.run(t)

	reports := h.link.waitReports(t, 1)
	assert.Equal(t, reports[0].Version, uint64(1))
	assert.Check(t, reports[0].Forced)
	assert.DeepEqual(t, h.mgr.Applied(), []string{"sshd.service"})
	assert.NilError(t, stop())

	ds, err := h.store.LoadDesired()
	assert.NilError(t, err)
	assert.Equal(t, ds.Version, uint64(1))
}

func TestWaitsForCoordinatorWithoutState(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	stop := h.run(t)

	h.link.inbox.Put(units.Desired(1, units.Running("a.service")))
	reports := h.link.waitReports(t, 1)
	assert.Check(t, !reports[0].Forced)
	assert.NilError(t, stop())
}

func TestOnlyNewestVersionReconciled(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	h.link.inbox.Put(units.Desired(1, units.Running("one.service")))
	h.link.inbox.Put(units.Desired(3, units.Running("three.service")))
	h.link.inbox.Put(units.Desired(2, units.Running("two.service")))
	stop := h.run(t)

	reports := h.link.waitReports(t, 1)
	assert.Equal(t, reports[0].Version, uint64(3))
	assert.NilError(t, stop())
	assert.DeepEqual(t, h.mgr.Applied(), []string{"three.service"})
}

func result(t *testing.T, r *model.StatusReport, name string) model.UnitResult {
	t.Helper()
	res, ok := r.Result(name)
	assert.Assert(t, ok, "no result for %s in v%d", name, r.Version)
	return res
}

func TestNewerVersionSupersedesPass(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.mgr.ApplyFn = func(ctx context.Context, spec model.UnitSpec) (model.RuntimeStatus, error) {
		if spec.Name == "slow.service" {
			close(started)
			<-release
		}
		return model.StatusUnknown, nil
	}
	stop := h.run(t)

	h.link.inbox.Put(units.Desired(1,
		units.Running("slow.service", units.WithOrder(1)),
		units.Running("next.service", units.WithOrder(2)),
	))
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("pass did not start")
	}
	h.link.inbox.Put(units.Desired(2, units.Running("slow.service", units.WithOrder(1))))
	close(release)

	reports := h.link.waitReports(t, 2)
	assert.NilError(t, stop())

	v1 := reports[0]
	assert.Equal(t, v1.Version, uint64(1))
	assert.Check(t, v1.Superseded)
	assert.Equal(t, result(t, v1, "slow.service").Outcome, model.OutcomeApplied, "running call finishes")
	assert.Equal(t, result(t, v1, "next.service").Outcome, model.OutcomeSkipped)
	assert.Equal(t, result(t, v1, "next.service").Reason, model.ReasonSuperseded)

	v2 := reports[1]
	assert.Equal(t, v2.Version, uint64(2))
	assert.Equal(t, result(t, v2, "slow.service").Reason, model.ReasonUnchanged)
	assert.DeepEqual(t, h.mgr.Applied(), []string{"slow.service"})
}

func TestRejectedStateIsReported(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	stop := h.run(t)

	h.link.inbox.Put(units.Desired(1,
		units.Running("a.service", units.WithRequires("b.service")),
		units.Running("b.service", units.WithRequires("a.service")),
	))
	reports := h.link.waitReports(t, 1)
	assert.Assert(t, reports[0].ConfigError != "")

	h.link.inbox.Put(units.Desired(2, units.Running("a.service")))
	reports = h.link.waitReports(t, 2)
	assert.Equal(t, reports[1].ConfigError, "")
	assert.NilError(t, stop())
	assert.Check(t, h.sup.Health().LastError != "")
}

func TestMalformedStartupStateIsFatal(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{Bootstrap: units.Desired(1,
		units.Running("a.service", units.WithRequires("a.service")),
	)})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := h.sup.Run(ctx)
	assert.Equal(t, ExitCode(err), ExitConfig, "%v", err)
	assert.Equal(t, len(h.link.Reports()), 1)
	assert.Equal(t, len(h.mgr.Calls()), 0)
}

func TestAuthRevokedIsFatal(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{})
	h.link.RunFn = func(context.Context) error {
		return errors.WithMessage(transport.ErrAuthRevoked, "handshake: certificate revoked")
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := h.sup.Run(ctx)
	assert.Equal(t, ExitCode(err), ExitAuthRevoked, "%v", err)
}

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		code int
	}{
		{"clean", nil, ExitOK},
		{"auth", errors.WithMessage(transport.ErrAuthRevoked, "transport"), ExitAuthRevoked},
		{"store", errors.WithMessage(&store.Error{Op: "write", Path: "/x", Err: errors.New("EIO")}, "reconciler"), ExitStore},
		{"startup", &StartupError{Err: &model.ConfigError{Version: 1, Reason: "dependency cycle"}}, ExitConfig},
		{"usage", &UsageError{Err: errors.New("no certificate")}, ExitUsage},
		{"received config error", &model.ConfigError{Version: 1, Reason: "dependency cycle"}, ExitFailure},
		{"other", errors.New("boom"), ExitFailure},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, ExitCode(tc.err), tc.code)
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{Bootstrap: units.Desired(4, units.Running("a.service"))})
	stop := h.run(t)
	h.link.waitReports(t, 1)
	assert.NilError(t, stop())

	rec := httptest.NewRecorder()
	h.sup.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, rec.Code, http.StatusOK)

	var health Health
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, health.Transport, "connected")
	assert.Equal(t, health.LastBegun, uint64(4))
	assert.Equal(t, health.LastReport, "v4 applied=1 failed=0 skipped=0")
}
