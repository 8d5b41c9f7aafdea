package svcmgr

import (
	"context"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/pkg/errors"
)

// Manager is implemented by owners of a host's services. The engine drives
// units towards their targets exclusively through a Manager.
type Manager interface {
	// Apply drives the unit to its target and returns the status observed
	// once the service manager finished acting on it. Apply must be safe to
	// repeat: applying a unit that is already at its target changes nothing.
	// Changed is set when the unit's configuration differs from the one last
	// applied, running units then pick it up.
	Apply(ctx context.Context, spec model.UnitSpec, changed bool) (model.RuntimeStatus, error)
	// Query reports the unit's current status without changing it. Units the
	// service manager does not know about are reported as StatusNotFound.
	Query(ctx context.Context, name string) (model.RuntimeStatus, error)
}

// Preflighter is implemented by Managers that can verify, before any unit is
// touched, that the host permits them to operate.
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// Closer is implemented by Managers holding a connection.
type Closer interface {
	Close() error
}

// Preflight the manager to verify it is usable. Managers without a preflight
// check are assumed usable.
func Preflight(ctx context.Context, m Manager) error {
	p, ok := m.(Preflighter)
	if !ok {
		return nil
	}
	if err := p.Preflight(ctx); err != nil {
		return errors.WithMessage(err, "service manager is not usable")
	}
	return nil
}

// Close releases the manager's resources, if it holds any.
func Close(m Manager) error {
	if c, ok := m.(Closer); ok {
		return c.Close()
	}
	return nil
}
