//go:build linux

package uniqueclient

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapReadOnly creates a new private read-only mapping of length bytes of
// fd at an address chosen by the kernel. A zero length still produces a
// valid one-page mapping so the resulting address is usable as a pointer
// (section 8's zero-length boundary case).
func mapReadOnly(fd int, length int) (uintptr, error) {
	mapLen := length
	if mapLen == 0 {
		mapLen = 1
	}

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(mapLen),
		unix.PROT_READ,
		unix.MAP_PRIVATE,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("mmap: %w", errno)
	}
	return addr, nil
}

// remapFixed atomically replaces whatever mapping occupies [addr, addr+length)
// with a new private read-only mapping of fd, landing at exactly addr.
// golang.org/x/sys/unix.Mmap has no addr parameter and cannot express
// MAP_FIXED, so this goes through the raw syscall directly.
func remapFixed(addr uintptr, fd int, length int) error {
	mapLen := length
	if mapLen == 0 {
		mapLen = 1
	}

	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(mapLen),
		unix.PROT_READ,
		unix.MAP_PRIVATE|unix.MAP_FIXED,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("mmap MAP_FIXED at %#x: %w", addr, errno)
	}
	if got != addr {
		return fmt.Errorf("mmap MAP_FIXED landed at %#x, want %#x", got, addr)
	}
	return nil
}

// munmap releases the mapping at addr.
func munmap(addr uintptr, length int) error {
	mapLen := length
	if mapLen == 0 {
		mapLen = 1
	}
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapLen))
}

// asSlice views the mapping at addr as a byte slice of the caller-visible
// length (which may be 0, in which case the backing one-page mapping is
// never exposed).
func asSlice(addr uintptr, length int) []byte {
	if length == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
