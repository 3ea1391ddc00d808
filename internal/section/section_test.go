package section

import (
	"fmt"
	"path/filepath"
	"testing"

	"tablestore/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	p, err := pager.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocateWriteRead(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 2, 0xabc, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id, ok := s.TryAllocate(5)
	if !ok {
		t.Fatalf("TryAllocate failed")
	}
	if err := s.TryWriteDirect(id, []byte("hello"), false); err != nil {
		t.Fatalf("TryWriteDirect: %v", err)
	}

	data, compressed, err := DirectRead(p, id)
	if err != nil {
		t.Fatalf("DirectRead: %v", err)
	}
	if compressed {
		t.Errorf("expected uncompressed")
	}
	if string(data) != "hello" {
		t.Errorf("data = %q, want %q", data, "hello")
	}
}

func TestIDNeverLandsOnOffsetZero(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 4, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2000; i++ {
		id, ok := s.TryAllocate(3)
		if !ok {
			break
		}
		if id%pager.PageSize == 0 {
			t.Fatalf("allocation %d produced an id landing on offset 0: %d", i, id)
		}
		if err := s.TryWriteDirect(id, []byte("abc"), false); err != nil {
			t.Fatalf("TryWriteDirect: %v", err)
		}
	}
}

func TestFreeUpdatesDensity(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 1, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var ids []uint64
	for i := 0; i < 20; i++ {
		id, ok := s.TryAllocate(50)
		if !ok {
			break
		}
		s.TryWriteDirect(id, make([]byte, 50), false)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		t.Fatalf("expected at least one allocation to succeed")
	}
	before := s.Density()

	density, err := s.Free(ids[0])
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if density >= before {
		t.Errorf("density did not decrease after Free: before=%f after=%f", before, density)
	}
}

func TestFreedSpaceIsReused(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 1, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id1, _ := s.TryAllocate(100)
	s.TryWriteDirect(id1, make([]byte, 100), false)
	tailBefore := s.tail

	if _, err := s.Free(id1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	id2, ok := s.TryAllocate(100)
	if !ok {
		t.Fatalf("TryAllocate after free failed")
	}
	if s.tail != tailBefore {
		t.Errorf("expected reuse of freed span without advancing tail: tail before=%d after=%d", tailBefore, s.tail)
	}
	s.TryWriteDirect(id2, make([]byte, 100), false)
}

func TestContainsAndIsOwned(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 2, 0x42, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, ok := s.TryAllocate(4)
	if !ok {
		t.Fatalf("TryAllocate failed")
	}
	s.TryWriteDirect(id, []byte("data"), false)

	if !s.Contains(id) {
		t.Errorf("expected section to contain its own id")
	}
	if !s.IsOwned(id, 0x42) {
		t.Errorf("expected id owned by 0x42")
	}
	if s.IsOwned(id, 0x99) {
		t.Errorf("expected id not owned by mismatched hash")
	}
}

func TestGetAllIDsSkipsFreed(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 1, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id1, _ := s.TryAllocate(10)
	s.TryWriteDirect(id1, make([]byte, 10), false)
	id2, _ := s.TryAllocate(10)
	s.TryWriteDirect(id2, make([]byte, 10), false)

	s.Free(id1)

	ids := s.GetAllIDs()
	if len(ids) != 1 || ids[0] != id2 {
		t.Errorf("GetAllIDs = %v, want [%d]", ids, id2)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	s, err := Create(p, 1, 7, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, _ := s.TryAllocate(6)
	s.TryWriteDirect(id, []byte("abcdef"), false)
	headerPage := s.HeaderPage()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := pager.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	s2, err := Open(p2, headerPage)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s2.OwnerHash() != 7 || s2.TableType() != 3 {
		t.Errorf("owner/table type did not survive reopen: %d/%d", s2.OwnerHash(), s2.TableType())
	}
	data, _, err := DirectRead(p2, id)
	if err != nil {
		t.Fatalf("DirectRead after reopen: %v", err)
	}
	if string(data) != "abcdef" {
		t.Errorf("data after reopen = %q", data)
	}
}

// fakeRelocator implements Relocator by placing every relocated entry
// into a second, fixed destination section and recording the
// oldID->newID pairs DataMoved was called with, so a test can assert on
// the exact sequence Compact drove it through.
type fakeRelocator struct {
	dest  *Section
	moves []fakeMove
}

type fakeMove struct {
	oldID, newID uint64
	raw          []byte
	compressed   bool
}

func (r *fakeRelocator) Place(raw []byte, compressed bool, dictHash [dictHashSize]byte) (uint64, error) {
	id, ok := r.dest.TryAllocate(len(raw))
	if !ok {
		return 0, fmt.Errorf("fakeRelocator: destination section out of room for %d bytes", len(raw))
	}
	if err := r.dest.TryWriteDirect(id, raw, compressed); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *fakeRelocator) DataMoved(oldID, newID uint64, raw []byte, compressed bool) error {
	r.moves = append(r.moves, fakeMove{oldID, newID, append([]byte(nil), raw...), compressed})
	return nil
}

func TestCompactRelocatesEveryLiveEntryAndFreesPages(t *testing.T) {
	p := openTestPager(t)
	src, err := Create(p, 1, 5, 1)
	if err != nil {
		t.Fatalf("Create src: %v", err)
	}
	dest, err := Create(p, 1, 5, 1)
	if err != nil {
		t.Fatalf("Create dest: %v", err)
	}

	payloads := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	var ids []uint64
	for _, pl := range payloads {
		id, ok := src.TryAllocate(len(pl))
		if !ok {
			t.Fatalf("TryAllocate failed for %q", pl)
		}
		if err := src.TryWriteDirect(id, pl, false); err != nil {
			t.Fatalf("TryWriteDirect: %v", err)
		}
		ids = append(ids, id)
	}
	// Freeing the middle entry before compacting proves Compact only
	// relocates what GetAllIDs still reports as live.
	if _, err := src.Free(ids[1]); err != nil {
		t.Fatalf("Free: %v", err)
	}

	r := &fakeRelocator{dest: dest}
	if err := src.Compact(r); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if len(r.moves) != 2 {
		t.Fatalf("Compact relocated %d entries, want 2 (the freed entry must be skipped)", len(r.moves))
	}
	wantRaw := map[uint64]string{ids[0]: "alpha", ids[2]: "charlie"}
	seen := map[uint64]bool{}
	for _, mv := range r.moves {
		want, ok := wantRaw[mv.oldID]
		if !ok {
			t.Fatalf("Compact relocated unexpected old id %d", mv.oldID)
		}
		if string(mv.raw) != want {
			t.Errorf("relocated payload for old id %d = %q, want %q", mv.oldID, mv.raw, want)
		}
		data, compressed, err := DirectRead(p, mv.newID)
		if err != nil {
			t.Fatalf("DirectRead(newID=%d): %v", mv.newID, err)
		}
		if compressed {
			t.Errorf("relocated entry unexpectedly marked compressed")
		}
		if string(data) != want {
			t.Errorf("destination data for old id %d = %q, want %q", mv.oldID, data, want)
		}
		seen[mv.oldID] = true
	}
	if !seen[ids[0]] || !seen[ids[2]] {
		t.Errorf("Compact did not relocate every surviving entry: moves=%+v", r.moves)
	}

	// The source section's page went back to the pager's free list, so the
	// next one-page allocation reuses it.
	if pg, _, err := p.Alloc(1, 0, 9, 1); err != nil || pg != src.HeaderPage() {
		t.Errorf("Alloc after Compact = page %d (err %v), want freed page %d", pg, err, src.HeaderPage())
	}
}

func TestMinCompressionRatioTracksMinimum(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 1, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.MinCompressionRatio() != 0 {
		t.Errorf("expected 0 before any observation, got %d", s.MinCompressionRatio())
	}
	s.RecordCompressionRatio(150)
	s.RecordCompressionRatio(120)
	s.RecordCompressionRatio(200)
	if got := s.MinCompressionRatio(); got != 120 {
		t.Errorf("MinCompressionRatio() = %d, want 120", got)
	}
}

// TestPartialFreeRunReuseKeepsHeaderChainIntact exercises TryAllocate's
// free-list reuse when the freed run is larger than the new entry: the
// split-off remainder must carry its own dead-entry header so GetAllIDs'
// linear walk can step over it instead of desynchronizing on whatever
// payload bytes were left behind by the original (larger) entry.
func TestPartialFreeRunReuseKeepsHeaderChainIntact(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 1, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	idA, ok := s.TryAllocate(100)
	if !ok {
		t.Fatalf("TryAllocate(A) failed")
	}
	if err := s.TryWriteDirect(idA, bytesOf(100, 0xAA), false); err != nil {
		t.Fatalf("TryWriteDirect(A): %v", err)
	}
	idB, ok := s.TryAllocate(50)
	if !ok {
		t.Fatalf("TryAllocate(B) failed")
	}
	if err := s.TryWriteDirect(idB, bytesOf(50, 0xBB), false); err != nil {
		t.Fatalf("TryWriteDirect(B): %v", err)
	}

	if _, err := s.Free(idA); err != nil {
		t.Fatalf("Free(A): %v", err)
	}

	idC, ok := s.TryAllocate(20)
	if !ok {
		t.Fatalf("TryAllocate(C) failed")
	}
	if err := s.TryWriteDirect(idC, bytesOf(20, 0xCC), false); err != nil {
		t.Fatalf("TryWriteDirect(C): %v", err)
	}
	if idC != idA {
		t.Fatalf("expected C to reuse A's freed run (idC=%d, idA=%d)", idC, idA)
	}

	ids := s.GetAllIDs()
	want := map[uint64]bool{idB: true, idC: true}
	if len(ids) != len(want) {
		t.Fatalf("GetAllIDs() = %v, want exactly %v (remainder sliver must not surface as a bogus entry)", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("GetAllIDs() returned unexpected id %d", id)
		}
	}

	data, _, err := DirectRead(p, idC)
	if err != nil {
		t.Fatalf("DirectRead(C): %v", err)
	}
	if string(data) != string(bytesOf(20, 0xCC)) {
		t.Errorf("DirectRead(C) = %x, want %x", data, bytesOf(20, 0xCC))
	}
	data, _, err = DirectRead(p, idB)
	if err != nil {
		t.Fatalf("DirectRead(B): %v", err)
	}
	if string(data) != string(bytesOf(50, 0xBB)) {
		t.Errorf("DirectRead(B) = %x, want %x", data, bytesOf(50, 0xBB))
	}
}

// TestDirectReadHeaderStraddlingPageBoundary forces an entry's header to
// begin close enough to a page's end that its 10 bytes span into the next
// page, then confirms DirectRead maps enough pages before decoding the
// header instead of panicking on a single-page slice.
func TestDirectReadHeaderStraddlingPageBoundary(t *testing.T) {
	p := openTestPager(t)
	s, err := Create(p, 3, 1, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Solve for a single padding allocation that leaves the bump
	// allocator's tail sitting at a relative offset whose absolute
	// in-page position is deep enough that the next entry's 10-byte
	// header straddles the following page boundary.
	const targetOffInPage = 8186 // within [PageSize-entryHeaderSize+1, PageSize-1]
	base := (uint64(s.headerPage)*pager.PageSize + uint64(dataOffset())) % pager.PageSize
	targetTail := (uint64(targetOffInPage) - base + pager.PageSize) % pager.PageSize
	if targetTail < entryHeaderSize {
		targetTail += pager.PageSize
	}
	padSize := int(targetTail) - entryHeaderSize
	if _, ok := s.TryAllocate(padSize); !ok {
		t.Fatalf("padding TryAllocate(%d) failed", padSize)
	}
	if s.tail != uint32(targetTail) {
		t.Fatalf("test setup: tail = %d, want %d", s.tail, targetTail)
	}

	id, ok := s.TryAllocate(16)
	if !ok {
		t.Fatalf("TryAllocate at near-boundary tail failed")
	}
	payload := bytesOf(16, 0xDD)
	if err := s.TryWriteDirect(id, payload, false); err != nil {
		t.Fatalf("TryWriteDirect: %v", err)
	}

	_, offInPage := decodeID(id)
	if offInPage+entryHeaderSize <= pager.PageSize {
		t.Fatalf("test setup did not produce a header straddling a page boundary (offInPage=%d)", offInPage)
	}

	data, compressed, err := DirectRead(p, id)
	if err != nil {
		t.Fatalf("DirectRead: %v", err)
	}
	if compressed {
		t.Errorf("expected uncompressed entry")
	}
	if string(data) != string(payload) {
		t.Errorf("DirectRead = %x, want %x", data, payload)
	}
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
