package systemd

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/atomicfile"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	dbus "github.com/godbus/dbus/v5"
	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
)

const (
	DefaultSocket       = "/run/systemd/private"
	DefaultUnitDir      = "/etc/systemd/system"
	DefaultApplyTimeout = 90 * time.Second

	statusTimeout = 2 * time.Second
	jobMode       = "replace"
)

// Assert Manager as a service manager implementor.
var _ svcmgr.Manager = (*Manager)(nil)
var _ svcmgr.Preflighter = (*Manager)(nil)

// conn is the subset of the go-systemd connection the Manager uses.
type conn interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadOrRestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []sdbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sdbus.DisableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
	GetUnitPropertyContext(ctx context.Context, unit string, propertyName string) (*sdbus.Property, error)
	Close()
}

type Options struct {
	// Socket is the path to systemd's private bus socket.
	Socket string
	// UnitDir receives unit files for units that carry content.
	UnitDir string
	// ApplyTimeout bounds each Apply and Query, including the D-Bus calls
	// and the jobs systemd runs for the unit.
	ApplyTimeout time.Duration
}

// Manager drives units through systemd's D-Bus API.
type Manager struct {
	opts Options
	log  logging.Logger

	dial func() (conn, error)

	mu   sync.Mutex
	conn conn

	statuses *ccache.Cache
}

func New(opts Options) *Manager {
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	if opts.UnitDir == "" {
		opts.UnitDir = DefaultUnitDir
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = DefaultApplyTimeout
	}
	m := &Manager{
		opts:     opts,
		log:      logging.New("systemd"),
		statuses: ccache.New(ccache.Configure().MaxSize(1000).ItemsToPrune(100)),
	}
	m.dial = m.connect
	return m
}

// Preflight checks that the agent runs with the authority to manage units and
// that systemd's socket is reachable.
func (m *Manager) Preflight(ctx context.Context) error {
	log := m.log.WithField(logging.SubComponentField, "preflight")
	// This doesn't apply without having root.
	if uid := os.Getuid(); uid != 0 {
		log.WithField("uid", uid).Debug("requires root")
		return svcmgr.Errorf(svcmgr.PermissionDenied, "preflight", "", "requires root, running as uid %d", uid)
	}

	stat, err := os.Stat(m.opts.Socket)
	if err != nil {
		log.WithField("socket", m.opts.Socket).Debug("requires systemd socket at path")
		return &svcmgr.Error{Kind: svcmgr.NotFound, Op: "preflight", Err: errors.Wrap(err, "systemd socket")}
	}
	if stat.Mode()&os.ModeSocket != os.ModeSocket {
		log.WithField("socket", m.opts.Socket).Debug("requires systemd unix socket access")
		return svcmgr.Errorf(svcmgr.Invalid, "preflight", "", "%s is not a socket", m.opts.Socket)
	}

	if _, err := m.acquire(); err != nil {
		return err
	}
	log.Debug("environment permits run")
	return nil
}

// Close drops the connection to systemd.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connect() (conn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + m.opts.Socket)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		// Authenticate with the user's authority.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		err = conn.Auth(methods)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	return sdbus.NewConnection(dialer)
}

// acquire returns the current connection, dialing when there is none.
func (m *Manager) acquire() (conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	c, err := m.dial()
	if err != nil {
		return nil, &svcmgr.Error{Kind: svcmgr.Transient, Op: "connect", Err: err}
	}
	m.conn = c
	return c, nil
}

// release drops a connection that failed at the transport level so the next
// call reconnects.
func (m *Manager) release(c conn, err error) {
	if _, ok := dbusError(err); ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == c {
		m.log.WithError(err).Debug("dropping systemd connection")
		c.Close()
		m.conn = nil
	}
}

// Apply drives the unit to its target. Running units are restarted when their
// content or the configuration behind their hash changed.
func (m *Manager) Apply(ctx context.Context, spec model.UnitSpec, changed bool) (model.RuntimeStatus, error) {
	log := m.log.WithField("unit", spec.Name).WithField("target", spec.Target)
	ctx, cancel := context.WithTimeout(ctx, m.opts.ApplyTimeout)
	defer cancel()
	c, err := m.acquire()
	if err != nil {
		return model.StatusUnknown, err
	}
	m.statuses.Delete(spec.Name)

	if spec.Content != "" && spec.Target != model.TargetAbsent {
		installed, err := m.install(ctx, c, spec)
		if err != nil {
			return model.StatusUnknown, err
		}
		changed = changed || installed
	}

	switch spec.Target {
	case model.TargetEnabled:
		if _, _, err := c.EnableUnitFilesContext(ctx, []string{spec.Name}, false, true); err != nil {
			m.release(c, err)
			return model.StatusUnknown, classify("enable", spec.Name, err)
		}
		err = m.startOrRestart(ctx, c, spec.Name, changed)
	case model.TargetRunning:
		err = m.startOrRestart(ctx, c, spec.Name, changed)
	case model.TargetStopped:
		err = m.job(ctx, c, "stop", spec.Name, c.StopUnitContext)
	case model.TargetAbsent:
		err = m.remove(ctx, c, spec.Name)
	default:
		return model.StatusUnknown, svcmgr.Errorf(svcmgr.Invalid, "apply", spec.Name, "unknown target %q", spec.Target)
	}
	if err != nil {
		return model.StatusUnknown, err
	}

	status, err := m.query(ctx, c, spec.Name)
	if err != nil {
		return model.StatusUnknown, err
	}
	log.WithField("status", status).Debug("applied")
	return status, nil
}

func (m *Manager) startOrRestart(ctx context.Context, c conn, name string, changed bool) error {
	if changed {
		return m.job(ctx, c, "reload-or-restart", name, c.ReloadOrRestartUnitContext)
	}
	return m.job(ctx, c, "start", name, c.StartUnitContext)
}

type jobFunc func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

// job queues a systemd job and waits for its result until ctx ends.
func (m *Manager) job(ctx context.Context, c conn, op, name string, fn jobFunc) error {
	ch := make(chan string, 1)
	if _, err := fn(ctx, name, jobMode, ch); err != nil {
		m.release(c, err)
		return classify(op, name, err)
	}
	select {
	case result := <-ch:
		return jobResult(op, name, result)
	case <-ctx.Done():
		return classify(op, name, errors.Wrap(ctx.Err(), "job did not finish"))
	}
}

func jobResult(op, name, result string) error {
	switch result {
	case "done", "skipped":
		return nil
	case "timeout":
		return svcmgr.Errorf(svcmgr.Timeout, op, name, "job timed out in systemd")
	default:
		// failed, dependency, canceled
		return svcmgr.Errorf(svcmgr.Transient, op, name, "job result %q", result)
	}
}

// install writes the unit's content into the unit directory, reporting whether
// the file on disk changed.
func (m *Manager) install(ctx context.Context, c conn, spec model.UnitSpec) (bool, error) {
	if _, err := unit.Deserialize(strings.NewReader(spec.Content)); err != nil {
		return false, &svcmgr.Error{Kind: svcmgr.Invalid, Op: "install", Unit: spec.Name, Err: errors.Wrap(err, "unable to parse unit content")}
	}
	path := m.unitPath(spec.Name)
	existing, err := ioutil.ReadFile(path)
	if err == nil && bytes.Equal(existing, []byte(spec.Content)) {
		return false, nil
	}
	if err := os.MkdirAll(m.opts.UnitDir, 0755); err != nil {
		return false, &svcmgr.Error{Kind: svcmgr.PermissionDenied, Op: "install", Unit: spec.Name, Err: err}
	}
	if err := atomicfile.WriteFile(path, []byte(spec.Content), 0644); err != nil {
		return false, &svcmgr.Error{Kind: svcmgr.PermissionDenied, Op: "install", Unit: spec.Name, Err: err}
	}
	if err := c.ReloadContext(ctx); err != nil {
		m.release(c, err)
		return false, classify("daemon-reload", spec.Name, err)
	}
	return true, nil
}

func (m *Manager) remove(ctx context.Context, c conn, name string) error {
	err := m.job(ctx, c, "stop", name, c.StopUnitContext)
	if err != nil && svcmgr.KindOf(err) != svcmgr.NotFound {
		return err
	}
	if _, err := c.DisableUnitFilesContext(ctx, []string{name}, false); err != nil {
		if derr := classify("disable", name, err); svcmgr.KindOf(derr) != svcmgr.NotFound {
			m.release(c, err)
			return derr
		}
	}
	path := m.unitPath(name)
	if _, err := os.Stat(path); err == nil {
		if err := atomicfile.Remove(path); err != nil {
			return &svcmgr.Error{Kind: svcmgr.PermissionDenied, Op: "remove", Unit: name, Err: err}
		}
		if err := c.ReloadContext(ctx); err != nil {
			m.release(c, err)
			return classify("daemon-reload", name, err)
		}
	}
	return nil
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.opts.UnitDir, filepath.Base(name))
}

// Query reports the unit's status, served from a short lived cache.
func (m *Manager) Query(ctx context.Context, name string) (model.RuntimeStatus, error) {
	if item := m.statuses.Get(name); item != nil && !item.Expired() {
		if status, ok := item.Value().(model.RuntimeStatus); ok {
			return status, nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ApplyTimeout)
	defer cancel()
	c, err := m.acquire()
	if err != nil {
		return model.StatusUnknown, err
	}
	return m.query(ctx, c, name)
}

func (m *Manager) query(ctx context.Context, c conn, name string) (model.RuntimeStatus, error) {
	load, err := m.property(ctx, c, name, "LoadState")
	if err != nil {
		if svcmgr.KindOf(err) == svcmgr.NotFound {
			return model.StatusNotFound, nil
		}
		return model.StatusUnknown, err
	}
	var status model.RuntimeStatus
	if load == "not-found" {
		status = model.StatusNotFound
	} else {
		active, err := m.property(ctx, c, name, "ActiveState")
		if err != nil {
			return model.StatusUnknown, err
		}
		status = activeStatus(active)
	}
	m.statuses.Set(name, status, statusTimeout)
	return status, nil
}

func (m *Manager) property(ctx context.Context, c conn, name, prop string) (string, error) {
	p, err := c.GetUnitPropertyContext(ctx, name, prop)
	if err != nil {
		m.release(c, err)
		return "", classify("query", name, err)
	}
	value, ok := p.Value.Value().(string)
	if !ok {
		// The property should always be a string.
		m.log.Debugf("property object %#v", p)
		return "", svcmgr.Errorf(svcmgr.Invalid, "query", name, "unable to handle queried property %q", prop)
	}
	return value, nil
}

func activeStatus(state string) model.RuntimeStatus {
	switch state {
	case "active":
		return model.StatusActive
	case "activating":
		return model.StatusActivating
	case "reloading":
		return model.StatusReloading
	case "deactivating":
		return model.StatusDeactivating
	case "inactive":
		return model.StatusInactive
	case "failed":
		return model.StatusFailed
	}
	return model.StatusUnknown
}
