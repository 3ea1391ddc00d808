package dictionary

import "testing"

type fakeStore map[[HashSize]byte]struct {
	ratio int32
	bytes []byte
}

func (s fakeStore) LookupDictionary(hash [HashSize]byte) (int32, []byte, bool) {
	e, ok := s[hash]
	return e.ratio, e.bytes, ok
}

func TestGetZeroHashReturnsSentinelWithoutTouchingStore(t *testing.T) {
	h := New()
	var zero [HashSize]byte
	handle, err := h.Get(fakeStore{}, zero)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !handle.Empty() {
		t.Errorf("expected sentinel handle to report Empty()")
	}
	if handle.ExpectedRatio <= 100 {
		t.Errorf("expected sentinel ExpectedRatio > 100, got %d", handle.ExpectedRatio)
	}
}

func TestGetMissingDictionaryIsFatal(t *testing.T) {
	h := New()
	var hash [HashSize]byte
	hash[0] = 1
	if _, err := h.Get(fakeStore{}, hash); err == nil {
		t.Fatalf("expected error for unresolvable non-zero hash")
	}
}

func TestGetCachesAcrossCalls(t *testing.T) {
	h := New()
	var hash [HashSize]byte
	hash[0] = 7
	store := fakeStore{hash: {ratio: 150, bytes: []byte("dictionary-training-bytes")}}

	first, err := h.Get(store, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := h.Get(store, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Errorf("expected the same cached *Handle across calls")
	}
	if first.ExpectedRatio != 150 {
		t.Errorf("ExpectedRatio = %d, want 150", first.ExpectedRatio)
	}
}
