// Package fakesvc provides a service manager for tests that records calls
// and whose behavior is set per test through its Fn hooks.
package fakesvc

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
)

var _ svcmgr.Manager = (*Manager)(nil)

type Call struct {
	Op      string
	Spec    model.UnitSpec
	Changed bool
}

type Manager struct {
	// ApplyFn overrides Apply's result, returning StatusUnknown falls through
	// to the default status for the target.
	ApplyFn func(ctx context.Context, spec model.UnitSpec) (model.RuntimeStatus, error)
	QueryFn func(ctx context.Context, name string) (model.RuntimeStatus, error)

	mu       sync.Mutex
	calls    []Call
	statuses map[string]model.RuntimeStatus
}

func New() *Manager {
	return &Manager{statuses: make(map[string]model.RuntimeStatus)}
}

func (m *Manager) Apply(ctx context.Context, spec model.UnitSpec, changed bool) (model.RuntimeStatus, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "apply", Spec: spec, Changed: changed})
	fn := m.ApplyFn
	m.mu.Unlock()

	status := defaultStatus(spec.Target)
	if fn != nil {
		s, err := fn(ctx, spec)
		if err != nil {
			return s, err
		}
		if s != "" && s != model.StatusUnknown {
			status = s
		}
	}
	m.SetStatus(spec.Name, status)
	return status, nil
}

func (m *Manager) Query(ctx context.Context, name string) (model.RuntimeStatus, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "query", Spec: model.UnitSpec{Name: name}})
	fn := m.QueryFn
	status, ok := m.statuses[name]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, name)
	}
	if !ok {
		return model.StatusNotFound, nil
	}
	return status, nil
}

// SetStatus changes what Query reports for the unit.
func (m *Manager) SetStatus(name string, status model.RuntimeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

func (m *Manager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Applied lists the names passed to Apply, in order.
func (m *Manager) Applied() []string {
	var names []string
	for _, c := range m.Calls() {
		if c.Op == "apply" {
			names = append(names, c.Spec.Name)
		}
	}
	return names
}

func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func defaultStatus(target model.TargetState) model.RuntimeStatus {
	switch target {
	case model.TargetEnabled, model.TargetRunning:
		return model.StatusActive
	case model.TargetStopped:
		return model.StatusInactive
	}
	return model.StatusNotFound
}
