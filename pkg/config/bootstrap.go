package config

import (
	"io/ioutil"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// LoadDesiredState reads the bootstrap desired state, a TOML document with
// one [[unit]] table per unit:
//
//	version = 1
//
//	[[unit]]
//	name = "sshd.service"
//	target = "enabled"
//	content = """..."""
//
// The state is validated by the reconciler, not here.
func LoadDesiredState(path string) (*model.DesiredState, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read bootstrap state")
	}
	ds := &model.DesiredState{}
	if err := toml.Unmarshal(raw, ds); err != nil {
		return nil, errors.Wrapf(err, "unable to parse bootstrap state %s", path)
	}
	if ds.Version == 0 {
		return nil, errors.Errorf("bootstrap state %s has no version", path)
	}
	return ds, nil
}
