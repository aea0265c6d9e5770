package blobstore_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/uniqued/internal/blobstore"
)

func noopClose(int) error { return nil }

func TestInsertThenLookupSharesRefcount(t *testing.T) {
	t.Parallel()

	s := blobstore.NewStore(noopClose)

	b, err := s.Insert(7, "digest-a", 42)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if b.Refs() != 1 {
		t.Fatalf("Refs() after Insert = %d, want 1", b.Refs())
	}

	found, err := s.Lookup("digest-a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found != b {
		t.Fatalf("Lookup returned a different blob record")
	}
	if found.Refs() != 2 {
		t.Fatalf("Refs() after Lookup = %d, want 2", found.Refs())
	}
}

func TestInsertDuplicateDigestFails(t *testing.T) {
	t.Parallel()

	s := blobstore.NewStore(noopClose)
	if _, err := s.Insert(1, "dup", 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err := s.Insert(2, "dup", 10)
	if !errors.Is(err, blobstore.ErrDuplicateDigest) {
		t.Fatalf("Insert duplicate error = %v, want ErrDuplicateDigest", err)
	}
}

func TestLookupMissingDigest(t *testing.T) {
	t.Parallel()

	s := blobstore.NewStore(noopClose)
	_, err := s.Lookup("nope")
	if !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestReleaseClosesFDAtZeroRefs(t *testing.T) {
	t.Parallel()

	var closed []int
	s := blobstore.NewStore(func(fd int) error {
		closed = append(closed, fd)
		return nil
	})

	b, _ := s.Insert(9, "digest-b", 5)
	if _, err := s.Lookup("digest-b"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if err := s.Release(b); err != nil {
		t.Fatalf("Release (1/2): %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("fd closed too early, refcount should still be 1")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() after first Release = %d, want 1", s.Len())
	}

	if err := s.Release(b); err != nil {
		t.Fatalf("Release (2/2): %v", err)
	}
	if len(closed) != 1 || closed[0] != 9 {
		t.Fatalf("closed = %v, want [9]", closed)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after final Release = %d, want 0", s.Len())
	}
}

func TestReleaseWithoutReferenceFails(t *testing.T) {
	t.Parallel()

	s := blobstore.NewStore(noopClose)
	b, _ := s.Insert(1, "digest-c", 1)
	if err := s.Release(b); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := s.Release(b); !errors.Is(err, blobstore.ErrStillReferenced) {
		t.Fatalf("second Release error = %v, want ErrStillReferenced", err)
	}
}

func TestRealSizeSumsLiveBlobsOnce(t *testing.T) {
	t.Parallel()

	s := blobstore.NewStore(noopClose)
	s.Insert(1, "a", 100)
	s.Insert(2, "b", 200)
	if _, err := s.Lookup("a"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if got := s.RealSize(); got != 300 {
		t.Fatalf("RealSize() = %d, want 300 (not double-counted by refcount)", got)
	}
}
