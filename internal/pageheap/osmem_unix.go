//go:build unix

package pageheap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// osPageSize queries the platform page size once at init, per spec §3.
func osPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// osMap obtains an anonymous, private mapping of n*pageSize bytes and
// returns its base address. This is the Go analogue of dmalloc.c's
// mmap(NULL, bytes, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0).
func osMap(n int, pageSize uintptr) (uintptr, error) {
	bytes := int(uintptr(n) * pageSize)
	b, err := unix.Mmap(-1, 0, bytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("pageheap: mmap %d bytes: %w", bytes, err)
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// osUnmap releases n*pageSize bytes starting at addr back to the OS.
func osUnmap(addr uintptr, n int, pageSize uintptr) error {
	bytes := int(uintptr(n) * pageSize)
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), bytes)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("pageheap: munmap %d bytes at %#x: %w", bytes, addr, err)
	}
	return nil
}

// osMadviseDontNeed advises the kernel that n*pageSize bytes at addr are
// not needed, without unmapping them: spec §4.1's soft reclamation.
func osMadviseDontNeed(addr uintptr, n int, pageSize uintptr) error {
	bytes := int(uintptr(n) * pageSize)
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), bytes)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("pageheap: madvise(DONTNEED) %d bytes at %#x: %w", bytes, addr, err)
	}
	return nil
}
