package pageheap

// RawMap and RawUnmap expose the platform mmap/munmap calls directly,
// bypassing span bookkeeping entirely. They back the direct-mapped
// large-allocation policy (spec §4.6), where the Page Heap's indexes
// should never know about the allocation at all.
func RawMap(pages int, pageSize uintptr) (uintptr, error) {
	return osMap(pages, pageSize)
}

func RawUnmap(addr uintptr, pages int, pageSize uintptr) error {
	return osUnmap(addr, pages, pageSize)
}
