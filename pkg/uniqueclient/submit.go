package uniqueclient

import (
	"context"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/uniqued/internal/memseal"
)

// Submit implements the synchronous submit path (section 4.5). It always
// returns a usable Buffer: any failure along the dedup path -- sealing,
// the bus round-trip, mapping -- degrades to a plain heap copy of data.
func (c *Client) Submit(ctx context.Context, data []byte) *Buffer {
	fd, err := memseal.CreateSealed(c.nextName(), data)
	if err != nil {
		return heapBuffer(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultSyncTimeout)
	defer cancel()

	fds, handle, ok := c.callMakeUnique(callCtx, fd)
	if !ok {
		unix.Close(fd)
		return heapBuffer(data)
	}

	finalFD := fd
	if len(fds) > 0 {
		unix.Close(fd)
		finalFD = int(fds[0])
		for _, extra := range fds[1:] {
			unix.Close(int(extra))
		}
	}

	addr, err := mapReadOnly(finalFD, len(data))
	unix.Close(finalFD)
	if err != nil {
		return heapBuffer(data)
	}

	m := &mapping{addr: addr, length: len(data), handle: handle, client: c}
	return newBuffer(m)
}

// SubmitAsync implements the asynchronous submit path (section 4.6). The
// sealed content is mapped immediately and a Buffer returned without
// waiting on the bus round-trip; MakeUnique runs in the background and, on
// a hit, atomically remaps the buffer's address at the deduplicated fd.
func (c *Client) SubmitAsync(ctx context.Context, data []byte) *Buffer {
	fd, err := memseal.CreateSealed(c.nextName(), data)
	if err != nil {
		return heapBuffer(data)
	}

	addr, err := mapReadOnly(fd, len(data))
	if err != nil {
		unix.Close(fd)
		return heapBuffer(data)
	}

	m := &mapping{addr: addr, length: len(data), client: c}
	buf := newBuffer(m)

	go c.completeAsync(ctx, m, fd, len(data))

	return buf
}

// completeAsync runs the MakeUnique call for the async path and, on a hit,
// performs the in-place remap. It tolerates the owning mapping having
// already been released by the time the reply arrives.
func (c *Client) completeAsync(ctx context.Context, m *mapping, fd int, length int) {
	fds, handle, ok := c.callMakeUnique(ctx, fd)
	unix.Close(fd)
	if !ok {
		return
	}

	if len(fds) > 0 {
		for _, extra := range fds[1:] {
			unix.Close(int(extra))
		}
		canonicalFD := int(fds[0])
		if err := m.remapToCanonical(canonicalFD, length); err != nil {
			// Correctness condition (section 4.6): the fixed remap must
			// land at the exact original address. Callers already hold
			// pointers into that range; there is no safe way to continue.
			panic(err)
		}
		unix.Close(canonicalFD)
	}

	m.setHandleOrForget(handle)
}

// callMakeUnique invokes MakeUnique synchronously on ctx's deadline and
// reports whether the call and reply decoding both succeeded.
func (c *Client) callMakeUnique(ctx context.Context, fd int) ([]dbus.UnixFD, uint32, bool) {
	var (
		fds    []dbus.UnixFD
		handle uint32
	)

	call := c.obj.CallWithContext(ctx, defaultIface+".MakeUnique", 0, dbus.UnixFD(fd))
	if call.Err != nil {
		return nil, 0, false
	}
	if err := call.Store(&fds, &handle); err != nil {
		return nil, 0, false
	}
	return fds, handle, true
}
