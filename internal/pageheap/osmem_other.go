//go:build !unix

package pageheap

import "errors"

// ErrUnsupportedPlatform is returned on GOOS without an anonymous mmap
// equivalent wired up. spec §6 assumes a POSIX-like mmap/munmap/madvise
// surface; this module targets unix platforms per golang.org/x/sys/unix.
var ErrUnsupportedPlatform = errors.New("pageheap: raw OS memory mapping is only implemented for unix targets")

func osPageSize() uintptr { return 4096 }

func osMap(n int, pageSize uintptr) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func osUnmap(addr uintptr, n int, pageSize uintptr) error {
	return ErrUnsupportedPlatform
}

func osMadviseDontNeed(addr uintptr, n int, pageSize uintptr) error {
	return ErrUnsupportedPlatform
}
