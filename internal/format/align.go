package format

import "math/bits"

// Align returns n rounded up to a multiple of a. a must be a power of two.
//
// Example:
//
//	Align(1, 8)  = 8
//	Align(8, 8)  = 8
//	Align(33, 32) = 64
func Align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a. a must be a power of two.
func AlignDown(n, a int) int {
	return n &^ (a - 1)
}

// AlignPtr returns n rounded up to the next PointerSize boundary.
func AlignPtr(n int) int {
	return (n + PointerAlignMask) &^ PointerAlignMask
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Fls returns the 1-based index of the most significant set bit of n, or 0
// for n == 0.
//
//	Fls(1) = 1, Fls(4) = 3, Fls(5) = 3
func Fls(n uint) int {
	return bits.Len(n)
}

// Ilog2 returns floor(log2(n)) for n > 0 and 0 otherwise.
func Ilog2(n uint) int {
	if n == 0 {
		return 0
	}
	return bits.Len(n) - 1
}

// OrderFor returns the smallest page order whose block holds size bytes.
func OrderFor(size, pageShift int) int {
	if size <= 1 {
		return 0
	}
	pages := (size - 1) >> pageShift
	return bits.Len(uint(pages))
}
