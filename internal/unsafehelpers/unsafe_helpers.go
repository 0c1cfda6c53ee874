// Package unsafehelpers centralises **all** unavoidable usage of the
// `unsafe` standard-library package so that the rest of profcore stays
// clean and easier to audit. Every helper is documented with clear
// pre-/post-conditions.
//
// ⚠️  DISCLAIMER  These helpers deliberately break the Go memory-safety
// model for the sake of zero-allocation conversions between machine
// addresses, byte slices and typed values — unavoidable when patching
// executable prologues and walking arena-backed stack trees. Use ONLY
// inside this repository; they are not part of the public API and may
// change without notice.
//
// All functions are go:linkname-free, cgo-free and pure Go.
//
// © 2025 profcore authors. MIT License.

package unsafehelpers

import "unsafe"

/* -------------------------------------------------------------------------
   1. Zero-copy string/[]byte conversions
   ------------------------------------------------------------------------- */

// BytesToString converts a mutable byte slice to an immutable string
// without allocating. The caller must guarantee that b is never modified
// for the lifetime of the resulting string; otherwise the program exhibits
// undefined behaviour.
//
// No package in this module calls it at present.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice. The slice MUST
// remain read-only; writing to it mutates immutable string storage.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

/* -------------------------------------------------------------------------
   2. Generic pointer → slice helpers
   ------------------------------------------------------------------------- */

// PtrSlice converts an arbitrary *T pointer + element count into a `[]T`
// without copying. Used to view an arena-allocated array as a slice for
// iteration; the slice is still backed by arena memory, so the usual
// lifetime rules of the owning arena apply.
func PtrSlice[T any](ptr *T, n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(ptr, n)
}

// ByteSliceFrom returns a []byte view of raw memory starting at `ptr` with
// the given length. Caller must ensure the memory block is at least
// `length` bytes — used when copying a relocated instruction prologue into
// a trampoline page, where only the address and length are known.
func ByteSliceFrom(ptr unsafe.Pointer, length uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), length)
}

/* -------------------------------------------------------------------------
   3. Alignment helpers
   ------------------------------------------------------------------------- */

// AlignUp rounds x up to the nearest multiple of align (which must be a
// power of two). Used to page-align trampoline and arena slab sizes.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a power of two (exactly one bit set).
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && (x&(x-1)) == 0
}
