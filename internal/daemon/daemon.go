// Package daemon implements the dedup core: a single-owner event loop that
// serializes every mutation to the blob store and peer table, plus the
// MakeUnique/Forget dispatch logic behind the interface exported in bus.go.
//
// This package is deliberately free of any bus-specific types. The D-Bus
// adapter lives in bus.go and translates wire types (dbus.UnixFD,
// dbus.Sender, *dbus.Error) to and from the plain ints/strings used here.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/uniqued/internal/blobstore"
	"github.com/dantte-lp/uniqued/internal/memseal"
	uniquemetrics "github.com/dantte-lp/uniqued/internal/metrics"
	"github.com/dantte-lp/uniqued/internal/peertable"
)

// Sentinel errors returned by the dispatch methods. The bus adapter maps
// these to typed D-Bus error names.
var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrInternal    = errors.New("internal error")
)

// Daemon owns the blob store and peer table. All state-mutating work is
// funneled through the do method, which runs closures on a single owner
// goroutine (Run) -- this is the Go realization of the spec's single-threaded
// cooperative event loop, and is what makes the store and table lock-free.
type Daemon struct {
	store   *blobstore.Store
	peers   *peertable.Table
	metrics *uniquemetrics.Collector

	actions chan func()
	done    chan struct{}
}

// New creates a Daemon with an empty blob store and peer table. metrics may
// be nil, in which case store/peer statistics are not published.
func New(metrics *uniquemetrics.Collector) *Daemon {
	store := blobstore.NewStore(unix.Close)
	return &Daemon{
		store:   store,
		peers:   peertable.NewTable(store),
		metrics: metrics,
		actions: make(chan func()),
		done:    make(chan struct{}),
	}
}

// Run is the daemon's single-owner event loop. It must be run from exactly
// one goroutine for the lifetime of the daemon; every mutation to the blob
// store and peer table happens here, one closure at a time. Run returns
// when ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-d.actions:
			fn()
		}
	}
}

// do schedules fn to run on the event-loop goroutine and blocks until it
// completes. If the event loop has already stopped, do returns without
// running fn.
func (d *Daemon) do(fn func()) {
	doneCh := make(chan struct{})
	wrapped := func() {
		fn()
		close(doneCh)
	}
	select {
	case d.actions <- wrapped:
		<-doneCh
	case <-d.done:
	}
}

// -------------------------------------------------------------------------
// MakeUnique
// -------------------------------------------------------------------------

// MakeUniqueResult is the reply payload for a MakeUnique call.
type MakeUniqueResult struct {
	// ResponseFD is the canonical blob's fd to attach to the reply, or -1
	// if the submission was a miss (caller's own mapping is already
	// coherent with the stored blob). The descriptor stays owned by the
	// blob store, which closes it when the blob's last reference goes.
	ResponseFD int
	Handle     uint32
}

// MakeUnique implements section 4.3's MakeUnique method. It takes ownership
// of fd: on any error path the fd is closed before returning; on success the
// fd is either adopted into a new blob or closed (hit case, since the
// caller's content already lives in the store).
//
// Hashing runs inline, outside the event-loop goroutine's serialization
// point -- per the spec this may block briefly and is acceptable since blob
// sizes are bounded by client discretion. Only the store/table mutation
// itself is serialized through do.
func (d *Daemon) MakeUnique(sender string, fd int) (MakeUniqueResult, error) {
	if err := memseal.CheckSealed(fd); err != nil {
		unix.Close(fd)
		d.observe("invalid_args")
		return MakeUniqueResult{}, fmt.Errorf("%w: fd not sealed", ErrInvalidArgs)
	}

	digest, length, err := memseal.HashFD(fd)
	if err != nil {
		unix.Close(fd)
		d.observe("invalid_args")
		return MakeUniqueResult{}, fmt.Errorf("%w: can't read data: %v", ErrInvalidArgs, err)
	}

	var (
		result MakeUniqueResult
		opErr  error
	)
	result.ResponseFD = -1

	d.do(func() {
		peer := d.peers.GetOrCreate(sender)

		if blob, lookupErr := d.store.Lookup(digest); lookupErr == nil {
			// Hit: the daemon already holds an equivalent sealed object.
			// The caller's fd is redundant; the canonical fd is attached
			// to the reply in its place.
			unix.Close(fd)
			result.ResponseFD = blob.FD
			result.Handle = d.peers.Add(peer, blob)
			d.observe("hit")
			d.publishStats()
			return
		}

		blob, insertErr := d.store.Insert(fd, digest, length)
		if insertErr != nil {
			unix.Close(fd)
			opErr = fmt.Errorf("%w: %v", ErrInternal, insertErr)
			d.observe("internal")
			return
		}

		result.Handle = d.peers.Add(peer, blob)
		d.observe("miss")
		d.publishStats()
	})

	return result, opErr
}

// -------------------------------------------------------------------------
// Forget
// -------------------------------------------------------------------------

// Forget implements section 4.3's Forget method: it drops the sender's
// reference for handle. Unknown senders and unknown handles are silent
// successes, absorbing duplicate Forgets raised after peer-death cleanup.
func (d *Daemon) Forget(sender string, handle uint32) error {
	d.do(func() {
		peer, ok := d.peers.Peer(sender)
		if !ok {
			return
		}
		_ = d.peers.Remove(peer, handle)
		d.publishStats()
	})
	d.observeForget()
	return nil
}

// observeForget records a Forget outcome. Separated from the do closure
// since Forget never fails and the metric doesn't need serialization.
func (d *Daemon) observeForget() {
	if d.metrics != nil {
		d.metrics.ObserveForget("ok")
	}
}

// -------------------------------------------------------------------------
// Peer death
// -------------------------------------------------------------------------

// DropPeer releases every blob reference held by sender, called by the
// bus-death watcher when NameOwnerChanged reports the sender vanished.
func (d *Daemon) DropPeer(sender string) {
	d.do(func() {
		_ = d.peers.DropPeer(sender)
		d.publishStats()
	})
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// observe records a MakeUnique outcome. It only touches a Prometheus
// counter, which is safe for concurrent use, so it may be called from any
// goroutine.
func (d *Daemon) observe(result string) {
	if d.metrics != nil {
		d.metrics.ObserveMakeUnique(result)
	}
}

// publishStats must be called from the event-loop goroutine.
func (d *Daemon) publishStats() {
	if d.metrics == nil {
		return
	}
	d.metrics.SetStoreStats(d.store.Len(), d.peers.PeerCount(), d.store.RealSize(), d.peers.ApparentSize())
}

// Stats is a point-in-time snapshot for tests and in-process callers. The
// uniquectl stat subcommand reads the same figures from the metrics
// endpoint instead.
type Stats struct {
	Blobs        int
	Peers        int
	RealSize     int64
	ApparentSize int64
}

// Stats returns a snapshot of the current store/table sizes, taken on the
// event-loop goroutine so it reflects a consistent state.
func (d *Daemon) Stats() Stats {
	var s Stats
	d.do(func() {
		s = Stats{
			Blobs:        d.store.Len(),
			Peers:        d.peers.PeerCount(),
			RealSize:     d.store.RealSize(),
			ApparentSize: d.peers.ApparentSize(),
		}
	})
	return s
}
