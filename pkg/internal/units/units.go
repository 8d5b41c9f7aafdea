// Package units is a library of UnitSpecs and DesiredStates for tests.
package units

import (
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
)

type Option func(*model.UnitSpec)

func ret(target model.TargetState) func(name string, opts ...Option) model.UnitSpec {
	return func(name string, opts ...Option) model.UnitSpec {
		u := model.UnitSpec{Name: name, Target: target, Hash: name + "-v1"}
		for _, opt := range opts {
			opt(&u)
		}
		return u
	}
}

var (
	Enabled = ret(model.TargetEnabled)
	Running = ret(model.TargetRunning)
	Stopped = ret(model.TargetStopped)
	Absent  = ret(model.TargetAbsent)
)

// WithRequires adds units that must be realized first.
func WithRequires(names ...string) Option {
	return func(u *model.UnitSpec) {
		u.Requires = append(u.Requires, names...)
	}
}

func WithOrder(order int) Option {
	return func(u *model.UnitSpec) {
		u.Order = order
	}
}

// WithHash replaces the unit's configuration hash, as if its payload changed.
func WithHash(hash string) Option {
	return func(u *model.UnitSpec) {
		u.Hash = hash
	}
}

// WithContent sets the unit file body and derives the hash from it.
func WithContent(content string) Option {
	return func(u *model.UnitSpec) {
		u.Content = content
		u.Hash = ""
	}
}

// Desired builds a DesiredState from the given units.
func Desired(version uint64, specs ...model.UnitSpec) *model.DesiredState {
	return &model.DesiredState{
		Version:  version,
		Units:    specs,
		IssuedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Minute),
	}
}
