package daemon

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// D-Bus error names returned to callers. Kept under the service's own
// interface name rather than a generic org.freedesktop.DBus.Error.* so
// clients can distinguish dedup-specific failures from transport failures.
const (
	dbusErrInvalidArgs = "org.freedesktop.portal.Unique.Error.InvalidArgs"
	dbusErrInternal    = "org.freedesktop.portal.Unique.Error.Internal"
)

// toDBusError maps a sentinel error from the dispatch core to a typed
// *dbus.Error, never letting a raw Go error reach the wire.
func toDBusError(err error) *dbus.Error {
	switch {
	case errors.Is(err, ErrInvalidArgs):
		return dbus.NewError(dbusErrInvalidArgs, []any{err.Error()})
	default:
		return dbus.NewError(dbusErrInternal, []any{err.Error()})
	}
}
