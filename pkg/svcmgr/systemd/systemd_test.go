package systemd

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	sdbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const unitContent = "[Unit]\nDescription=test\n\n[Service]\nExecStart=/bin/true\n"

type fakeConn struct {
	mu    sync.Mutex
	calls []string

	// jobResultFn decides the result of a queued job, "" sends nothing.
	jobResultFn func(op, name string) string
	// jobErrFn fails queuing a job.
	jobErrFn func(op, name string) error
	// properties per unit, LoadState defaults to "loaded".
	properties map[string]map[string]string
	propertyFn func(name, prop string) error
	// enableFn stands in for systemd answering an enable call.
	enableFn func(ctx context.Context) error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{properties: map[string]map[string]string{}}
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConn) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConn) job(op, name string, ch chan<- string) (int, error) {
	f.record(op + " " + name)
	if f.jobErrFn != nil {
		if err := f.jobErrFn(op, name); err != nil {
			return 0, err
		}
	}
	result := "done"
	if f.jobResultFn != nil {
		result = f.jobResultFn(op, name)
	}
	if result != "" {
		ch <- result
	}
	return 1, nil
}

func (f *fakeConn) StartUnitContext(_ context.Context, name string, _ string, ch chan<- string) (int, error) {
	return f.job("start", name, ch)
}

func (f *fakeConn) StopUnitContext(_ context.Context, name string, _ string, ch chan<- string) (int, error) {
	return f.job("stop", name, ch)
}

func (f *fakeConn) ReloadOrRestartUnitContext(_ context.Context, name string, _ string, ch chan<- string) (int, error) {
	return f.job("restart", name, ch)
}

func (f *fakeConn) EnableUnitFilesContext(ctx context.Context, files []string, _ bool, _ bool) (bool, []sdbus.EnableUnitFileChange, error) {
	f.record("enable " + files[0])
	if f.enableFn != nil {
		if err := f.enableFn(ctx); err != nil {
			return false, nil, err
		}
	}
	return false, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(_ context.Context, files []string, _ bool) ([]sdbus.DisableUnitFileChange, error) {
	f.record("disable " + files[0])
	return nil, nil
}

func (f *fakeConn) ReloadContext(context.Context) error {
	f.record("daemon-reload")
	return nil
}

func (f *fakeConn) GetUnitPropertyContext(_ context.Context, name string, prop string) (*sdbus.Property, error) {
	f.record("property " + name + " " + prop)
	if f.propertyFn != nil {
		if err := f.propertyFn(name, prop); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value := f.properties[name][prop]
	if value == "" {
		switch prop {
		case "LoadState":
			value = "loaded"
		case "ActiveState":
			value = "active"
		}
	}
	return &sdbus.Property{Name: prop, Value: dbus.MakeVariant(value)}, nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testManager(t *testing.T, fake *fakeConn) (*Manager, *int) {
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	m := New(Options{UnitDir: t.TempDir(), ApplyTimeout: time.Second})
	dials := 0
	m.dial = func() (conn, error) {
		dials++
		return fake, nil
	}
	return m, &dials
}

func countCalls(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func TestApplyRunning(t *testing.T) {
	fake := newFakeConn()
	m, _ := testManager(t, fake)

	status, err := m.Apply(context.Background(), model.UnitSpec{Name: "chronyd.service", Target: model.TargetRunning}, false)
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusActive)
	assert.Equal(t, fake.Calls()[0], "start chronyd.service")
}

func TestApplyEnabledWithContent(t *testing.T) {
	fake := newFakeConn()
	m, _ := testManager(t, fake)
	spec := model.UnitSpec{Name: "web.service", Target: model.TargetEnabled, Content: unitContent}

	_, err := m.Apply(context.Background(), spec, false)
	assert.NilError(t, err)

	data, err := ioutil.ReadFile(filepath.Join(m.opts.UnitDir, "web.service"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), unitContent)

	calls := fake.Calls()
	assert.Equal(t, countCalls(calls, "daemon-reload"), 1)
	assert.Equal(t, countCalls(calls, "enable web.service"), 1)
	assert.Equal(t, countCalls(calls, "restart web.service"), 1)

	// unchanged content is started, not restarted
	_, err = m.Apply(context.Background(), spec, false)
	assert.NilError(t, err)
	calls = fake.Calls()
	assert.Equal(t, countCalls(calls, "daemon-reload"), 1)
	assert.Equal(t, countCalls(calls, "restart web.service"), 1)
	assert.Equal(t, countCalls(calls, "start web.service"), 1)
}

func TestApplyInvalidContent(t *testing.T) {
	fake := newFakeConn()
	m, _ := testManager(t, fake)

	_, err := m.Apply(context.Background(), model.UnitSpec{Name: "bad.service", Target: model.TargetRunning, Content: "[Service\nExecStart=/bin/true\n"}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.Invalid)
	assert.Equal(t, len(fake.Calls()), 0)
}

func TestApplyJobResults(t *testing.T) {
	cases := map[string]svcmgr.Kind{
		"failed":     svcmgr.Transient,
		"dependency": svcmgr.Transient,
		"canceled":   svcmgr.Transient,
		"timeout":    svcmgr.Timeout,
	}
	for result, kind := range cases {
		t.Run(result, func(t *testing.T) {
			fake := newFakeConn()
			fake.jobResultFn = func(string, string) string { return result }
			m, _ := testManager(t, fake)
			_, err := m.Apply(context.Background(), model.UnitSpec{Name: "a.service", Target: model.TargetRunning}, false)
			assert.Equal(t, svcmgr.KindOf(err), kind)
		})
	}
}

func TestApplyJobDeadline(t *testing.T) {
	fake := newFakeConn()
	fake.jobResultFn = func(string, string) string { return "" }
	m, _ := testManager(t, fake)
	m.opts.ApplyTimeout = 10 * time.Millisecond

	_, err := m.Apply(context.Background(), model.UnitSpec{Name: "slow.service", Target: model.TargetStopped}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.Timeout)
}

func TestApplyUnansweredCall(t *testing.T) {
	fake := newFakeConn()
	fake.enableFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m, dials := testManager(t, fake)
	m.opts.ApplyTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := m.Apply(context.WithoutCancel(context.Background()), model.UnitSpec{Name: "a.service", Target: model.TargetEnabled}, false)
		done <- err
	}()
	select {
	case err := <-done:
		assert.Equal(t, svcmgr.KindOf(err), svcmgr.Timeout, "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Apply blocked past its timeout")
	}

	// the stuck connection is replaced
	fake.enableFn = nil
	_, err := m.Apply(context.Background(), model.UnitSpec{Name: "a.service", Target: model.TargetEnabled}, false)
	assert.NilError(t, err)
	assert.Equal(t, *dials, 2)
}

func TestApplyChangedRestarts(t *testing.T) {
	fake := newFakeConn()
	m, _ := testManager(t, fake)
	spec := model.UnitSpec{Name: "web.service", Target: model.TargetRunning, Hash: "h2"}

	_, err := m.Apply(context.Background(), spec, true)
	assert.NilError(t, err)
	_, err = m.Apply(context.Background(), spec, false)
	assert.NilError(t, err)

	assert.Equal(t, fake.Calls()[0], "restart web.service")
	calls := fake.Calls()
	assert.Equal(t, countCalls(calls, "restart web.service"), 1)
	assert.Equal(t, countCalls(calls, "start web.service"), 1)
}

func TestDBusErrorKeepsConnection(t *testing.T) {
	fake := newFakeConn()
	fake.jobErrFn = func(string, string) error {
		return dbus.Error{Name: "org.freedesktop.systemd1.NoSuchUnit", Body: []interface{}{"no such unit"}}
	}
	m, dials := testManager(t, fake)

	_, err := m.Apply(context.Background(), model.UnitSpec{Name: "ghost.service", Target: model.TargetRunning}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.NotFound)
	_, err = m.Apply(context.Background(), model.UnitSpec{Name: "ghost.service", Target: model.TargetRunning}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.NotFound)
	assert.Equal(t, *dials, 1)
}

func TestBrokenConnectionRedials(t *testing.T) {
	fake := newFakeConn()
	broken := true
	fake.jobErrFn = func(string, string) error {
		if broken {
			broken = false
			return errors.New("connection closed")
		}
		return nil
	}
	m, dials := testManager(t, fake)

	_, err := m.Apply(context.Background(), model.UnitSpec{Name: "a.service", Target: model.TargetRunning}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.Transient)
	assert.Check(t, fake.closed)

	_, err = m.Apply(context.Background(), model.UnitSpec{Name: "a.service", Target: model.TargetRunning}, false)
	assert.NilError(t, err)
	assert.Equal(t, *dials, 2)
}

func TestErrorKinds(t *testing.T) {
	cases := map[string]svcmgr.Kind{
		"org.freedesktop.systemd1.NoSuchUnit":                         svcmgr.NotFound,
		"org.freedesktop.DBus.Error.AccessDenied":                     svcmgr.PermissionDenied,
		"org.freedesktop.DBus.Error.InteractiveAuthorizationRequired": svcmgr.PermissionDenied,
		"org.freedesktop.DBus.Error.InvalidArgs":                      svcmgr.Invalid,
		"org.freedesktop.DBus.Error.NoReply":                          svcmgr.Timeout,
		"org.freedesktop.DBus.Error.Timeout":                          svcmgr.Timeout,
		"org.freedesktop.systemd1.TransactionIsDestructive":           svcmgr.Transient,
	}
	for name, kind := range cases {
		err := classify("start", "a.service", dbus.Error{Name: name})
		assert.Equal(t, svcmgr.KindOf(err), kind, name)
	}
	assert.Equal(t, svcmgr.KindOf(classify("start", "a.service", errors.New("eof"))), svcmgr.Transient)
}

func TestQuery(t *testing.T) {
	fake := newFakeConn()
	fake.properties["gone.service"] = map[string]string{"LoadState": "not-found"}
	fake.properties["down.service"] = map[string]string{"ActiveState": "failed"}
	m, _ := testManager(t, fake)
	ctx := context.Background()

	status, err := m.Query(ctx, "gone.service")
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusNotFound)

	status, err = m.Query(ctx, "down.service")
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusFailed)

	// served from the cache
	before := len(fake.Calls())
	status, err = m.Query(ctx, "down.service")
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusFailed)
	assert.Equal(t, len(fake.Calls()), before)
}

func TestApplyAbsent(t *testing.T) {
	fake := newFakeConn()
	fake.properties["old.service"] = map[string]string{"LoadState": "not-found"}
	m, _ := testManager(t, fake)
	path := filepath.Join(m.opts.UnitDir, "old.service")
	assert.NilError(t, ioutil.WriteFile(path, []byte(unitContent), 0644))

	status, err := m.Apply(context.Background(), model.UnitSpec{Name: "old.service", Target: model.TargetAbsent}, false)
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusNotFound)

	_, err = os.Stat(path)
	assert.Assert(t, os.IsNotExist(err))
	calls := fake.Calls()
	assert.Equal(t, countCalls(calls, "stop old.service"), 1)
	assert.Equal(t, countCalls(calls, "disable old.service"), 1)
	assert.Equal(t, countCalls(calls, "daemon-reload"), 1)
}

func TestPreflightRequiresSocket(t *testing.T) {
	if os.Getuid() != 0 {
		m, _ := testManager(t, newFakeConn())
		err := m.Preflight(context.Background())
		assert.Equal(t, svcmgr.KindOf(err), svcmgr.PermissionDenied)
		return
	}
	m, _ := testManager(t, newFakeConn())
	m.opts.Socket = filepath.Join(t.TempDir(), "missing")
	err := m.Preflight(context.Background())
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.NotFound)
}
