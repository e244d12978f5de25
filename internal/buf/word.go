package buf

import (
	"sync/atomic"
	"unsafe"
)

// Load64 atomically reads the native-endian word at b[off:off+8].
//
// Free pointers live inside object memory and may be read by a stale fast-path
// reader while their owner rewrites them, so every access is atomic. off must
// be 8-byte aligned relative to an 8-byte aligned b; callers guarantee it via
// the slab layout.
func Load64(b []byte, off int) uint64 {
	_ = b[off+7]
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

// Store64 atomically writes v as the native-endian word at b[off:off+8].
func Store64(b []byte, off int, v uint64) {
	_ = b[off+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

// Aligned64 reports whether b[off] sits on an 8-byte boundary.
func Aligned64(b []byte, off int) bool {
	if off < 0 || off+8 > len(b) {
		return false
	}
	return uintptr(unsafe.Pointer(&b[off]))&7 == 0
}

// Fill sets every byte of b to v.
func Fill(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	b[0] = v
	for filled := 1; filled < len(b); filled *= 2 {
		copy(b[filled:], b[:filled])
	}
}

// FirstMismatch returns the index of the first byte in b that differs from v,
// or -1 when every byte matches.
func FirstMismatch(b []byte, v byte) int {
	for i, c := range b {
		if c != v {
			return i
		}
	}
	return -1
}

// LastMismatch returns the index of the last byte in b that differs from v,
// or -1 when every byte matches.
func LastMismatch(b []byte, v byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != v {
			return i
		}
	}
	return -1
}
