package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

// WatchPeers subscribes to the bus daemon's NameOwnerChanged signal and
// drops any peer whose unique connection name loses its owner. This is the
// only mechanism that recovers state from an unclean client exit (section
// 4.4). WatchPeers blocks until ctx is cancelled or the signal channel
// closes.
func WatchPeers(ctx context.Context, conn *dbus.Conn, d *Daemon, logger *slog.Logger) error {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("subscribe to NameOwnerChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			handleNameOwnerChanged(d, logger, sig)
		}
	}
}

// handleNameOwnerChanged drops the peer named by sig if it reports a
// unique connection name losing its owner. Well-known name changes and
// name acquisitions are ignored.
func handleNameOwnerChanged(d *Daemon, logger *slog.Logger, sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}

	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	if !IsPeerDisconnect(name, oldOwner, newOwner) {
		return
	}

	logSenderDisconnect(logger, name)
	d.DropPeer(name)
}

// IsPeerDisconnect reports whether a NameOwnerChanged(name, oldOwner,
// newOwner) triple describes a peer's unique connection name losing its
// owner -- the only case that should trigger dropping that peer's state.
// Well-known name transfers between two live owners, and a peer merely
// acquiring a well-known name, are not disconnects.
func IsPeerDisconnect(name, oldOwner, newOwner string) bool {
	return newOwner == "" && oldOwner == name && strings.HasPrefix(name, ":")
}
