// Package peertable implements the daemon's per-sender map from opaque
// handle to blob reference.
//
// Like blobstore.Store, a Table is owned by exactly one goroutine (the
// daemon event loop) and is not safe for concurrent use.
package peertable

import "github.com/dantte-lp/uniqued/internal/blobstore"

// Peer is a record keyed by the bus sender identity (e.g. ":1.42"). Handles
// are dense per-peer but never reused, even after Remove -- the counter only
// grows.
type Peer struct {
	// Name is the sender identity assigned by the bus.
	Name string

	nextHandle uint32
	handles    map[uint32]*blobstore.Blob
}

// Handles returns a snapshot of the peer's outstanding handle -> digest map,
// for diagnostics and tests.
func (p *Peer) Handles() map[uint32]string {
	out := make(map[uint32]string, len(p.handles))
	for h, b := range p.handles {
		out[h] = b.Digest
	}
	return out
}

// Table owns every Peer and drives blob reference counting on their behalf
// via the supplied Store.
type Table struct {
	store *blobstore.Store
	peers map[string]*Peer

	// apparentSize is the cumulative bytes callers would have spent without
	// dedup: sum of blob.Len over every live per-peer handle entry.
	apparentSize int64
}

// NewTable creates an empty peer table backed by store. Blob reference
// release (Store.Release) is delegated to store whenever a handle is
// dropped, so a blob's refcount always matches the number of peer-handle
// entries that point at it, summed across all peers.
func NewTable(store *blobstore.Store) *Table {
	return &Table{
		store: store,
		peers: make(map[string]*Peer),
	}
}

// GetOrCreate returns the Peer for sender, creating it lazily on first use.
func (t *Table) GetOrCreate(sender string) *Peer {
	p, ok := t.peers[sender]
	if ok {
		return p
	}
	p = &Peer{
		Name:       sender,
		nextHandle: 1,
		handles:    make(map[uint32]*blobstore.Blob),
	}
	t.peers[sender] = p
	return p
}

// Add allocates the next handle for peer, stores a reference to b under it,
// and increments the apparent-size counter by b.Len. The caller must already
// hold a reference to b (e.g. via Store.Lookup or Store.Insert) that this
// handle now owns; Add does not itself bump b's refcount.
func (t *Table) Add(p *Peer, b *blobstore.Blob) uint32 {
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = b
	t.apparentSize += b.Len
	return h
}

// Remove drops peer p's reference for handle, releasing the underlying blob
// reference and decrementing apparent size. Removing an unknown handle is a
// no-op, not an error -- this absorbs duplicate Forgets that arrive after
// peer death has already swept the peer's handles.
func (t *Table) Remove(p *Peer, handle uint32) error {
	b, ok := p.handles[handle]
	if !ok {
		return nil
	}
	delete(p.handles, handle)
	t.apparentSize -= b.Len
	return t.store.Release(b)
}

// DropPeer removes sender's peer entirely, releasing every blob reference it
// held. It is a no-op if no peer exists under that name -- duplicate
// NameOwnerChanged deliveries or a peer that never issued a request must not
// error.
func (t *Table) DropPeer(sender string) error {
	p, ok := t.peers[sender]
	if !ok {
		return nil
	}
	delete(t.peers, sender)

	var firstErr error
	for h, b := range p.handles {
		delete(p.handles, h)
		t.apparentSize -= b.Len
		if err := t.store.Release(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApparentSize returns the cumulative bytes callers would have spent without
// dedup: the sum of b.Len over every live per-peer handle entry, across all
// peers.
func (t *Table) ApparentSize() int64 { return t.apparentSize }

// PeerCount returns the number of peers currently tracked.
func (t *Table) PeerCount() int { return len(t.peers) }

// Peer looks up a peer by name without creating it, for diagnostics and
// tests.
func (t *Table) Peer(sender string) (*Peer, bool) {
	p, ok := t.peers[sender]
	return p, ok
}
