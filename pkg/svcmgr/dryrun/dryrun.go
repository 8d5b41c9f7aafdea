// Package dryrun provides a service manager that records what it would do
// without touching the host.
package dryrun

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
)

var _ svcmgr.Manager = (*Manager)(nil)

type Manager struct {
	log logging.Logger

	mu       sync.Mutex
	statuses map[string]model.RuntimeStatus
	applied  []model.UnitSpec
}

func New() *Manager {
	return &Manager{
		log:      logging.New("dryrun"),
		statuses: make(map[string]model.RuntimeStatus),
	}
}

func (m *Manager) Apply(ctx context.Context, spec model.UnitSpec, changed bool) (model.RuntimeStatus, error) {
	if !model.ValidTarget(spec.Target) {
		return model.StatusUnknown, svcmgr.Errorf(svcmgr.Invalid, "apply", spec.Name, "unknown target %q", spec.Target)
	}
	status := statusFor(spec.Target)
	m.log.WithField("unit", spec.Name).
		WithField("target", spec.Target).
		WithField("hash", spec.ContentHash()).
		WithField("changed", changed).
		Info("would apply unit")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, spec)
	if spec.Target == model.TargetAbsent {
		delete(m.statuses, spec.Name)
	} else {
		m.statuses[spec.Name] = status
	}
	return status, nil
}

func (m *Manager) Query(ctx context.Context, name string) (model.RuntimeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[name]
	if !ok {
		return model.StatusNotFound, nil
	}
	return status, nil
}

// Applied returns every unit passed to Apply, in order.
func (m *Manager) Applied() []model.UnitSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UnitSpec(nil), m.applied...)
}

func statusFor(target model.TargetState) model.RuntimeStatus {
	switch target {
	case model.TargetEnabled, model.TargetRunning:
		return model.StatusActive
	case model.TargetStopped:
		return model.StatusInactive
	}
	return model.StatusNotFound
}
