package systemd

import (
	"context"
	"strings"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// dbusError extracts the error returned by the remote end of a D-Bus call.
// Errors without one are failures of the connection itself.
func dbusError(err error) (dbus.Error, bool) {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr, true
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return *pderr, true
	}
	return dbus.Error{}, false
}

// classify maps a D-Bus failure to an adapter error kind. Calls cut off by
// their deadline are timeouts.
func classify(op, unit string, err error) error {
	kind := svcmgr.Transient
	if derr, ok := dbusError(err); ok {
		kind = errorKind(derr.Name)
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = svcmgr.Timeout
	}
	return &svcmgr.Error{Kind: kind, Op: op, Unit: unit, Err: err}
}

func errorKind(name string) svcmgr.Kind {
	switch {
	case strings.HasSuffix(name, ".NoSuchUnit"),
		strings.HasSuffix(name, ".LoadFailed"),
		name == "org.freedesktop.DBus.Error.UnknownObject",
		name == "org.freedesktop.DBus.Error.FileNotFound":
		return svcmgr.NotFound
	case name == "org.freedesktop.DBus.Error.AccessDenied",
		strings.HasSuffix(name, ".InteractiveAuthorizationRequired"):
		return svcmgr.PermissionDenied
	case name == "org.freedesktop.DBus.Error.InvalidArgs",
		strings.HasSuffix(name, ".BadUnitSetting"):
		return svcmgr.Invalid
	case name == "org.freedesktop.DBus.Error.NoReply",
		name == "org.freedesktop.DBus.Error.Timeout",
		name == "org.freedesktop.DBus.Error.TimedOut":
		return svcmgr.Timeout
	}
	return svcmgr.Transient
}
