// Package util contains small generic helpers, used by the frame
// allocator (Roundup) and the scheduler's accounting (Writen).
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off and returns the
// value.
func Readn(a []uint8, n int, off int) uint32 {
	if off < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var ret uint32
	for i := n - 1; i >= 0; i-- {
		ret = ret<<8 | uint32(a[off+i])
	}
	return ret
}

// Writen writes val using sz little-endian bytes into a starting at off.
func Writen(a []uint8, sz int, off int, val uint32) {
	if off < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(val)
		val >>= 8
	}
}
