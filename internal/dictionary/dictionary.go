// Package dictionary implements the "Dictionary Holder" of §4.2: a
// process-wide cache of decoded compression dictionaries, keyed by their
// 32-byte hash. Grounded on StoreMy's index-cache lazy-materialization
// pattern (`pkg/indexmanager/index_cache.go`: check the concurrent map,
// take a lock only on miss, publish and unlock).
package dictionary

import (
	"encoding/base64"
	"fmt"
	"sync"

	"tablestore/internal/codec"
)

// HashSize matches internal/xhash.Size; duplicated as a constant here so
// this package does not need to import xhash just for the literal 32.
const HashSize = 32

// Handle is a shared, decoded dictionary ready for compression and
// decompression. Handles live for the process; they are never released
// mid-run, matching §4.2 "Entries live for the process".
type Handle struct {
	Hash          [HashSize]byte
	ExpectedRatio int32
	CDict         *codec.CDict
	DDict         *codec.DDict
}

// Empty reports whether this handle is the all-zero "no dictionary"
// sentinel.
func (h *Handle) Empty() bool {
	for _, b := range h.Hash {
		if b != 0 {
			return false
		}
	}
	return true
}

var emptyHandle = &Handle{ExpectedRatio: 101} // > 100: never beaten by a real candidate

// Store is the on-disk source of dictionary bytes a Holder materializes
// from on a cache miss — normally a table's `Dictionaries` tree.
type Store interface {
	LookupDictionary(hash [HashSize]byte) (expectedRatio int32, dictBytes []byte, ok bool)
}

// Holder is the process-wide dictionary cache. The zero value is usable.
type Holder struct {
	mu    sync.Mutex
	cache sync.Map // [HashSize]byte -> *Handle
}

// New creates an empty Holder.
func New() *Holder {
	return &Holder{}
}

// Get returns the shared handle for hash, materializing it from store on
// first access. A non-zero hash that store cannot resolve is a fatal
// data-integrity error (§4.2 "Missing dictionary").
func (h *Holder) Get(store Store, hash [HashSize]byte) (*Handle, error) {
	if isZero(hash) {
		return emptyHandle, nil
	}

	if v, ok := h.cache.Load(hash); ok {
		return v.(*Handle), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Re-check: another goroutine may have materialized this hash while we
	// waited for the lock.
	if v, ok := h.cache.Load(hash); ok {
		return v.(*Handle), nil
	}

	ratio, dictBytes, ok := store.LookupDictionary(hash)
	if !ok {
		return nil, fmt.Errorf("dictionary not found: %s", base64.StdEncoding.EncodeToString(hash[:]))
	}

	cd, err := codec.NewCDict(dictBytes)
	if err != nil {
		return nil, fmt.Errorf("dictionary: compile compression side for %s: %w", base64.StdEncoding.EncodeToString(hash[:]), err)
	}
	dd, err := codec.NewDDict(dictBytes)
	if err != nil {
		return nil, fmt.Errorf("dictionary: compile decompression side for %s: %w", base64.StdEncoding.EncodeToString(hash[:]), err)
	}

	handle := &Handle{Hash: hash, ExpectedRatio: ratio, CDict: cd, DDict: dd}
	h.cache.Store(hash, handle)
	return handle, nil
}

func isZero(hash [HashSize]byte) bool {
	for _, b := range hash {
		if b != 0 {
			return false
		}
	}
	return true
}
