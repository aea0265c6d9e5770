// Package uniqueclient is the client side of the per-session content-dedup
// service: it turns caller bytes into a sealed anonymous file, hands it to
// the uniqued daemon, and returns a read-only mapped Buffer that may or may
// not be backed by deduplicated memory. Callers cannot tell the difference
// and dedup failures never surface as errors -- every failure degrades to a
// plain heap-backed buffer.
package uniqueclient

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	defaultBusName    = "org.freedesktop.portal.Unique"
	defaultObjectPath = "/org/freedesktop/portal/unique"
	defaultIface      = "org.freedesktop.portal.Unique"

	// defaultSyncTimeout bounds the synchronous MakeUnique round-trip per
	// section 5; on expiry Submit falls back to a heap copy.
	defaultSyncTimeout = 3 * time.Second
)

// Client submits content to the uniqued daemon and maps back the result.
// The zero value is not usable; construct with Dial.
type Client struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	counter atomic.Uint64
	pid     int
}

// Dial connects to the session bus (or addr, when non-empty, for tests
// running against a private bus), authenticates with unix fd passing
// enabled, and returns a Client bound to the well-known Unique object.
func Dial(ctx context.Context, addr string) (*Client, error) {
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

	return &Client{
		conn: conn,
		obj:  conn.Object(defaultBusName, dbus.ObjectPath(defaultObjectPath)),
		pid:  os.Getpid(),
	}, nil
}

// Close closes the underlying bus connection. Outstanding buffers remain
// valid (the mappings do not depend on the connection); their eventual
// Forget calls will simply fail silently once closed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// nextName returns a per-invocation name for the anonymous file backing a
// submission, e.g. "unique-4821-7".
func (c *Client) nextName() string {
	n := c.counter.Add(1)
	return fmt.Sprintf("unique-%d-%d", c.pid, n)
}

// forgetAsync fires Forget without waiting for a reply, matching the
// fire-and-forget cleanup a mapping's destruction triggers.
func (c *Client) forgetAsync(handle uint32) {
	c.obj.Go(defaultIface+".Forget", dbus.FlagNoReplyExpected, nil, handle)
}
