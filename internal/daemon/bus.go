package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// ErrNameTaken indicates RequestName did not grant primary ownership of the
// well-known bus name (another owner exists and --replace was not set, or
// was set but the other owner didn't relinquish it).
var ErrNameTaken = errors.New("bus name already owned")

// Connect dials the D-Bus bus at addr (the session bus if addr is empty),
// authenticates, enables unix fd passing, and completes the Hello
// handshake. Fd passing must be enabled between Auth and Hello -- it cannot
// be toggled once the connection is live.
func Connect(ctx context.Context, addr string) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if addr != "" {
		conn, err = dbus.Dial(addr, dbus.WithContext(ctx))
	} else {
		conn, err = dbus.SessionBusPrivate(dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}

	if err := conn.Auth(nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if err := conn.EnableUnixFDs(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable unix fd passing: %w", err)
	}

	if err := conn.Hello(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	return conn, nil
}

// RequestName requests the well-known name on conn with allow-replacement
// always set (section 6); replace additionally sets replace-existing,
// mirroring the --replace command-line flag.
func RequestName(conn *dbus.Conn, name string, replace bool) error {
	flags := dbus.NameFlagAllowReplacement
	if replace {
		flags |= dbus.NameFlagReplaceExisting
	}

	reply, err := conn.RequestName(name, flags)
	if err != nil {
		return fmt.Errorf("request name %s: %w", name, err)
	}

	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		return nil
	default:
		return fmt.Errorf("%w: %s (reply code %d)", ErrNameTaken, name, reply)
	}
}

// Export registers the Unique interface's method handlers and
// introspection data on conn at path/iface.
func Export(conn *dbus.Conn, path dbus.ObjectPath, iface string, d *Daemon) error {
	h := &busHandler{daemon: d}

	if err := conn.Export(h, path, iface); err != nil {
		return fmt.Errorf("export %s on %s: %w", iface, path, err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: iface,
				Methods: []introspect.Method{
					{
						Name: "MakeUnique",
						Args: []introspect.Arg{
							{Name: "memfd", Type: "h", Direction: "in"},
							{Name: "content", Type: "ah", Direction: "out"},
							{Name: "handle", Type: "u", Direction: "out"},
						},
					},
					{
						Name: "Forget",
						Args: []introspect.Arg{
							{Name: "handle", Type: "u", Direction: "in"},
						},
					},
				},
			},
		},
	}

	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable on %s: %w", path, err)
	}

	return nil
}

// busHandler adapts the wire-level D-Bus method calls to the Daemon's
// transport-free dispatch methods. godbus fills in the trailing
// dbus.Sender parameter with the caller's unique bus name before invoking
// the method.
type busHandler struct {
	daemon *Daemon
}

// MakeUnique is exported on the bus as
// MakeUnique(h memfd) -> (ah content, u handle).
func (h *busHandler) MakeUnique(memfd dbus.UnixFD, sender dbus.Sender) ([]dbus.UnixFD, uint32, *dbus.Error) {
	result, err := h.daemon.MakeUnique(string(sender), int(memfd))
	if err != nil {
		return nil, 0, toDBusError(err)
	}

	if result.ResponseFD < 0 {
		return []dbus.UnixFD{}, result.Handle, nil
	}
	return []dbus.UnixFD{dbus.UnixFD(result.ResponseFD)}, result.Handle, nil
}

// Forget is exported on the bus as Forget(u).
func (h *busHandler) Forget(handle uint32, sender dbus.Sender) *dbus.Error {
	if err := h.daemon.Forget(string(sender), handle); err != nil {
		return toDBusError(err)
	}
	return nil
}

// logSenderDisconnect is a small helper kept alongside the handler so
// watcher.go's log lines read consistently; declared here to keep bus
// wiring and its log vocabulary in one file.
func logSenderDisconnect(logger *slog.Logger, sender string) {
	logger.Info("peer disconnected", slog.String("sender", sender))
}
