package logfields

import (
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"

	"github.com/sirupsen/logrus"
)

func Unit(u *model.UnitSpec) logrus.Fields {
	return logrus.Fields{
		"unit":   u.Name,
		"target": u.Target,
	}
}

func Desired(d *model.DesiredState) logrus.Fields {
	return logrus.Fields{
		"desired": d.DisplayString(),
	}
}

func Report(r *model.StatusReport) logrus.Fields {
	return logrus.Fields{
		"report":  r.ID,
		"version": r.Version,
		"summary": r.DisplayString(),
	}
}
