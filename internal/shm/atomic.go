package shm

import (
	"sync/atomic"
	"unsafe"
)

// The helpers below operate on words that may be shared with another process.
// addr must be 8-byte aligned.

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// Aligned8 reports whether p can be used with the helpers above.
func Aligned8(p unsafe.Pointer) bool {
	return uintptr(p)%8 == 0
}
