package transport

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
)

// Inbox is a coalescing mailbox of DesiredStates. It holds at most one
// unprocessed state, the newest. Versions at or below the highest accepted
// one are dropped.
type Inbox struct {
	log logging.Logger

	mu       sync.Mutex
	highest  uint64
	pending  *model.DesiredState
	notify   chan struct{}
	watchers map[int]watcher
	nextID   int
}

type watcher struct {
	version uint64
	fn      func()
}

func NewInbox() *Inbox {
	return &Inbox{
		log:      logging.New("transport").WithField(logging.SubComponentField, "inbox"),
		notify:   make(chan struct{}, 1),
		watchers: make(map[int]watcher),
	}
}

// Seed raises the highest accepted version without delivering anything, so
// states the agent already began are not accepted again.
func (b *Inbox) Seed(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if version > b.highest {
		b.highest = version
	}
}

// Highest is the highest version accepted.
func (b *Inbox) Highest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highest
}

// Put offers ds to the inbox, reporting whether it was accepted. An accepted
// state replaces any pending one and fires the supersede callbacks of older
// versions.
func (b *Inbox) Put(ds *model.DesiredState) bool {
	b.mu.Lock()
	if ds.Version <= b.highest {
		b.mu.Unlock()
		b.log.WithField("version", ds.Version).Debug("dropping desired state at or below accepted version")
		return false
	}
	if b.pending != nil {
		b.log.WithField("superseded", b.pending.Version).WithField("version", ds.Version).Debug("coalescing pending desired state")
	}
	b.pending = ds
	b.highest = ds.Version
	var fire []func()
	for id, w := range b.watchers {
		if w.version < ds.Version {
			fire = append(fire, w.fn)
			delete(b.watchers, id)
		}
	}
	b.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Next suspends until a state is pending or ctx ends.
func (b *Inbox) Next(ctx context.Context) (*model.DesiredState, error) {
	for {
		b.mu.Lock()
		if ds := b.pending; ds != nil {
			b.pending = nil
			b.mu.Unlock()
			return ds, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

// OnSupersede calls fn once a version newer than version is accepted, at once
// when one already was. The returned func unregisters fn.
func (b *Inbox) OnSupersede(version uint64, fn func()) func() {
	b.mu.Lock()
	if b.highest > version {
		b.mu.Unlock()
		fn()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.watchers[id] = watcher{version: version, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers, id)
	}
}
