//go:build linux

// Package memseal provides the low-level Linux primitives both halves of
// the dedup service need around sealed anonymous memory: creating a sealed
// memfd from a byte slice, checking that a received descriptor carries all
// four required seals, and hashing a descriptor's content without
// disturbing its file offset.
package memseal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// RequiredSeals is the seal set a submitted descriptor must carry: further
// sealing forbidden, shrinking forbidden, growing forbidden, writing
// forbidden. Together they guarantee the content behind the fd can never
// change after submission, which is what makes a cached content hash valid
// for the fd's entire lifetime.
const RequiredSeals = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// ErrNotSealed is returned when a descriptor is missing one or more of
// RequiredSeals.
var ErrNotSealed = errors.New("fd not sealed")

// hashChunkSize is the read buffer size used while hashing an fd's content.
// 64 KiB balances syscall count against peak memory for the largest blobs
// this service is expected to see (icons, fonts, small images).
const hashChunkSize = 64 * 1024

// CreateSealed builds an anonymous in-memory file named name, writes data
// into it in full, and applies RequiredSeals. On any failure it closes the
// partially-built fd and returns the error; callers are expected to fall
// back to a plain heap copy rather than propagate the error to their own
// caller (spec: dedup is always best-effort).
func CreateSealed(name string, data []byte) (fd int, err error) {
	fd, err = unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %s: %w", name, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err = unix.Ftruncate(fd, int64(len(data))); err != nil {
		return -1, fmt.Errorf("ftruncate %s to %d: %w", name, len(data), err)
	}

	if err = writeFull(fd, data); err != nil {
		return -1, fmt.Errorf("write %s: %w", name, err)
	}

	if _, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, RequiredSeals); err != nil {
		return -1, fmt.Errorf("seal %s: %w", name, err)
	}

	ok = true
	return fd, nil
}

// writeFull writes all of data to fd starting at offset 0, retrying on
// short writes and EINTR.
func writeFull(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// Seals returns the current seal bitmask for fd via F_GET_SEALS.
func Seals(fd int) (int, error) {
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("F_GET_SEALS: %w", err)
	}
	return seals, nil
}

// CheckSealed returns ErrNotSealed if fd is missing any of RequiredSeals.
func CheckSealed(fd int) error {
	seals, err := Seals(fd)
	if err != nil {
		return err
	}
	if seals&RequiredSeals != RequiredSeals {
		return ErrNotSealed
	}
	return nil
}

// HashFD reads fd from offset 0 to EOF in fixed-size chunks using positional
// reads, so the fd's own file offset is left undisturbed, and returns the
// lowercase hex SHA-256 digest of its content alongside the total length
// read.
func HashFD(fd int) (digest string, length int64, err error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var off int64

	for {
		n, rerr := unix.Pread(fd, buf, off)
		if n > 0 {
			h.Write(buf[:n])
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			return "", 0, fmt.Errorf("pread at %d: %w", off, rerr)
		}
		if n == 0 {
			break
		}
	}

	return hex.EncodeToString(h.Sum(nil)), off, nil
}
