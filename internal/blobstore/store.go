// Package blobstore implements the daemon's content-addressed table of
// sealed, refcounted blobs.
//
// A Store is not safe for concurrent use. It is owned by exactly one
// goroutine -- the daemon's event loop (see internal/daemon) -- which is the
// scheduling model the blob-dedup service is built around: the blob table,
// peer table and size counters are touched from a single logical thread, so
// no locking is required here.
package blobstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for Store operations.
var (
	// ErrNotFound indicates no blob exists for the given digest.
	ErrNotFound = errors.New("blob not found")

	// ErrDuplicateDigest indicates a blob already exists for the given digest.
	ErrDuplicateDigest = errors.New("blob already exists for digest")

	// ErrStillReferenced indicates Release was called more times than Insert/Lookup.
	ErrStillReferenced = errors.New("release called with no matching reference")
)

// Blob is a refcounted record of sealed content, keyed by the lowercase hex
// SHA-256 digest of its bytes.
//
// A Blob's fd is never mutated after creation -- the four required seals
// guarantee this at the kernel level, which is what makes the cached digest
// valid for the fd's lifetime.
type Blob struct {
	// Digest is the 64-character lowercase hex SHA-256 of the content.
	Digest string

	// Len is the content length in bytes, as reported by fstat at insert time.
	Len int64

	// FD is the sealed, read-only file descriptor owned by this blob.
	FD int

	refs int
}

// Refs returns the blob's current reference count.
func (b *Blob) Refs() int { return b.refs }

// Store is the daemon's sole owner of blob records. Peer-table entries hold
// counted references into it; the store itself never points back at peers.
type Store struct {
	blobs map[string]*Blob

	// closeFD is called exactly once when a blob's refcount reaches zero.
	// Set by NewStore: production callers pass unix.Close, tests a fake. If
	// nil, no descriptor is closed.
	closeFD func(fd int) error
}

// NewStore creates an empty blob store. closeFD is invoked to release a
// blob's descriptor when its refcount reaches zero; production callers pass
// unix.Close, tests can pass a fake to assert exactly-once closing.
func NewStore(closeFD func(fd int) error) *Store {
	return &Store{
		blobs:   make(map[string]*Blob),
		closeFD: closeFD,
	}
}

// Lookup returns the blob for digest, bumping its refcount, or ErrNotFound.
func (s *Store) Lookup(digest string) (*Blob, error) {
	b, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", digest, ErrNotFound)
	}
	b.refs++
	return b, nil
}

// Insert takes ownership of fd and creates a new blob under digest with
// refcount 1. length is the content length, normally obtained by the caller
// via fstat before calling Insert. It is a programming error to Insert a
// digest that already exists; Insert returns ErrDuplicateDigest rather than
// silently clobbering the existing blob (and leaking its fd).
func (s *Store) Insert(fd int, digest string, length int64) (*Blob, error) {
	if _, exists := s.blobs[digest]; exists {
		return nil, fmt.Errorf("insert %s: %w", digest, ErrDuplicateDigest)
	}

	b := &Blob{
		Digest: digest,
		Len:    length,
		FD:     fd,
		refs:   1,
	}
	s.blobs[digest] = b
	return b, nil
}

// Release decrements b's refcount. At zero, the blob is removed from the
// store and its fd is closed exactly once.
func (s *Store) Release(b *Blob) error {
	if b.refs <= 0 {
		return fmt.Errorf("release %s: %w", b.Digest, ErrStillReferenced)
	}

	b.refs--
	if b.refs > 0 {
		return nil
	}

	delete(s.blobs, b.Digest)
	if s.closeFD != nil {
		return s.closeFD(b.FD)
	}
	return nil
}

// Len returns the number of distinct blobs currently stored.
func (s *Store) Len() int { return len(s.blobs) }

// RealSize returns the sum of Len over every live blob -- the bytes actually
// resident in memory thanks to deduplication.
func (s *Store) RealSize() int64 {
	var total int64
	for _, b := range s.blobs {
		total += b.Len
	}
	return total
}

// Digests returns the digests of every blob currently in the store, for
// diagnostics and tests. The returned slice is a snapshot.
func (s *Store) Digests() []string {
	out := make([]string, 0, len(s.blobs))
	for d := range s.blobs {
		out = append(out, d)
	}
	return out
}
