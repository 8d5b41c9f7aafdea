// Package workgroup runs a fixed set of long lived workers that share a
// context: the first worker to fail cancels the others.
package workgroup

import (
	"context"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Group struct {
	ctx   context.Context
	group *errgroup.Group
	log   logging.Logger
}

func WithContext(ctx context.Context) *Group {
	group, gctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:   gctx,
		group: group,
		log:   logging.New("workgroup"),
	}
}

// Context is cancelled once any worker returns an error or the parent ends.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Work starts fn as a named worker. Errors returned are annotated with the
// worker's name.
func (g *Group) Work(name string, fn func(context.Context) error) {
	g.group.Go(func() error {
		log := g.log.WithField("worker", name)
		log.Debug("starting")
		err := fn(g.ctx)
		if err != nil {
			log.WithError(err).Debug("stopped with error")
			return errors.WithMessagef(err, "%s", name)
		}
		log.Debug("stopped")
		return nil
	})
}

// Wait blocks until all workers return and yields the first error.
func (g *Group) Wait() error {
	return g.group.Wait()
}
