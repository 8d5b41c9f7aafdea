package dryrun

import (
	"context"
	"testing"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	"gotest.tools/assert"
)

func TestDryRun(t *testing.T) {
	m := New()
	ctx := context.Background()

	status, err := m.Query(ctx, "a.service")
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusNotFound)

	status, err = m.Apply(ctx, model.UnitSpec{Name: "a.service", Target: model.TargetRunning}, false)
	assert.NilError(t, err)
	assert.Equal(t, status, model.StatusActive)
	status, _ = m.Query(ctx, "a.service")
	assert.Check(t, model.Satisfies(status, model.TargetRunning))

	status, err = m.Apply(ctx, model.UnitSpec{Name: "a.service", Target: model.TargetAbsent}, false)
	assert.NilError(t, err)
	assert.Check(t, model.Satisfies(status, model.TargetAbsent))

	_, err = m.Apply(ctx, model.UnitSpec{Name: "b.service", Target: "bogus"}, false)
	assert.Equal(t, svcmgr.KindOf(err), svcmgr.Invalid)
	assert.Equal(t, len(m.Applied()), 2)
}
