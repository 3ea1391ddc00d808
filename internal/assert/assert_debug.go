//go:build debug

// Package assert provides programmer-error checks that only run in
// debug builds (`-tags debug`), matching §7 error kind 10: "Programmer
// aliasing ... a debug-build panic".
package assert

import "unsafe"

// NoAlias panics if dst and src share any backing memory. It guards the
// Table Value Builder's copy-out path, whose input slices must never alias
// the storage region being overwritten (§4.5).
func NoAlias(dst, src []byte) {
	if overlaps(dst, src) {
		panic("assert: builder input aliases its target region")
	}
}

func overlaps(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aStart := uintptr(unsafe.Pointer(&a[0]))
	aEnd := aStart + uintptr(len(a))
	bStart := uintptr(unsafe.Pointer(&b[0]))
	bEnd := bStart + uintptr(len(b))
	return aStart < bEnd && bStart < aEnd
}
