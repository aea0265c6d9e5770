package uniqueclient

import "sync"

// Buffer is a caller-facing view over either a deduplicated read-only
// mapping or, on any dedup failure, a plain heap copy. Both cases honor the
// identical contract: Data returns the bytes, Close releases the
// reference. The caller cannot distinguish the two.
type Buffer struct {
	m *mapping
}

// Data returns the buffer's bytes. The returned slice must not be used
// after Close.
func (b *Buffer) Data() []byte {
	return b.m.data()
}

// Close releases this reference to the buffer. When the last reference is
// released: a deduplicated buffer is unmapped and, if a handle had been
// assigned, Forget is sent asynchronously; a heap-backed buffer is simply
// dropped.
func (b *Buffer) Close() error {
	return b.m.release()
}

// mapping is the client-side mapping record from section 3: base
// address/length of a read-only private mapping, a refcount, and an
// optional daemon-assigned handle (zero while not yet known). heap is set
// instead of addr/length when dedup failed and this is a plain copy.
type mapping struct {
	mu       sync.Mutex
	addr     uintptr
	length   int
	refs     int
	handle   uint32
	released bool
	client   forgetter

	heap []byte
}

// forgetter is the slice of Client a mapping needs to release a
// daemon-held handle asynchronously; satisfied by *Client and substituted
// with a fake in tests of the release/async-reply race.
type forgetter interface {
	forgetAsync(handle uint32)
}

// newBuffer wraps m in a Buffer, taking the first reference.
func newBuffer(m *mapping) *Buffer {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
	return &Buffer{m: m}
}

func heapBuffer(data []byte) *Buffer {
	cp := make([]byte, len(data))
	copy(cp, data)
	return newBuffer(&mapping{heap: cp})
}

func (m *mapping) data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heap != nil {
		return m.heap
	}
	return asSlice(m.addr, m.length)
}

// release decrements the refcount. At zero it unmaps (or drops the heap
// copy) and, if a handle is already known, forgets it. If no handle is
// known yet, a concurrent async completion will observe released=true via
// setHandleOrForget and forget it then.
//
// The munmap itself runs under m.mu, not just the released-flag check: a
// concurrent remapToCanonical must never observe "not yet released" and
// then proceed to MAP_FIXED onto this address after munmap has already
// freed it for reuse. Holding the lock across the syscall makes the two
// operations mutually exclusive instead of merely racing on a flag.
func (m *mapping) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs--
	if m.refs > 0 {
		return nil
	}
	if m.heap != nil {
		m.released = true
		return nil
	}

	handle := m.handle
	addr, length := m.addr, m.length
	m.released = true

	if err := munmap(addr, length); err != nil {
		return err
	}
	if handle != 0 && m.client != nil {
		m.client.forgetAsync(handle)
	}
	return nil
}

// remapToCanonical atomically replaces the mapping's memory with fd, unless
// the mapping has already been released -- in which case its address range
// must not be touched again. The MAP_FIXED remap runs under m.mu for the
// same reason release's munmap does: the two must never interleave, or the
// remap can land on an address release has already freed (or, worse, an
// address some unrelated mapping has since reused).
func (m *mapping) remapToCanonical(fd int, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return nil
	}
	return remapFixed(m.addr, fd, length)
}

// setHandleOrForget records handle on the mapping, unless the mapping was
// already released while the MakeUnique call was in flight -- in that case
// the reply still must be honored with a Forget, since the daemon believes
// this peer holds the handle.
func (m *mapping) setHandleOrForget(handle uint32) {
	m.mu.Lock()
	released := m.released
	if !released {
		m.handle = handle
	}
	m.mu.Unlock()

	if released && handle != 0 && m.client != nil {
		m.client.forgetAsync(handle)
	}
}
