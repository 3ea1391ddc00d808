//go:build !debug

package assert

// NoAlias is a no-op outside debug builds; the check it performs is a
// programmer-error guard, not a correctness requirement of release code.
func NoAlias(dst, src []byte) {}
