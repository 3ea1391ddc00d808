// Package section implements the "Raw-Data Section" of §4.1: a slab of
// contiguous pages holding many variable-size small entries, addressed by
// storage id (`page_number*PAGE_SIZE + offset_in_page`, offset 0 reserved
// for overflow runs). Grounded on StoreMy's heap page slot model
// (`pkg/storage/heap/{file,page}.go`), generalized from a fixed-size-tuple
// slotted page to a byte-addressed slab with a free list and relocation
// support.
package section

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"tablestore/internal/pager"
)

// entryHeaderSize is the per-entry prefix: live(1) | allocated_size(4) |
// used_size(4) | compressed(1).
const entryHeaderSize = 10

// EntryHeaderSize is entryHeaderSize exported for callers (the table
// layer) that need to size-class an entry against MAX_ITEM_SIZE before
// ever allocating.
const EntryHeaderSize = entryHeaderSize

const (
	dictHashSize = 32

	dictHashOff  = pager.HeaderSize
	minRatioOff  = dictHashOff + dictHashSize
	tailOff      = minRatioOff + 4
	liveBytesOff = tailOff + 4
	freeCountOff = liveBytesOff + 4
	freeRunsOff  = freeCountOff + 4

	maxFreeRuns = 200
	freeRunSize = 8 // offset uint32 | length uint32
)

// HeaderSize is the number of bytes at the start of a section's first page
// reserved for section metadata; entry data begins immediately after it.
const HeaderSize = freeRunsOff + maxFreeRuns*freeRunSize

// noRatioObserved marks a section that has never recorded a compression
// ratio; it always loses to any real observation in MinCompressionRatio
// comparisons.
const noRatioObserved = int32(1<<31 - 1)

type freeRun struct {
	offset uint32
	length uint32
}

// Relocator is injected into Compact so a doomed section's entries can be
// placed somewhere else and its indexes kept consistent, without Section
// ever holding a back-pointer to its owning table (§9 "Cyclic observer").
type Relocator interface {
	// Place stores raw (recompressed against whatever dictionary the
	// caller judges current, if warranted) outside this section and
	// returns the id it landed at.
	Place(raw []byte, compressed bool, dictHash [dictHashSize]byte) (newID uint64, err error)

	// DataMoved is invoked immediately after a successful Place so the
	// caller can remove oldID from every index and reinsert under newID
	// before Compact proceeds to the next entry (§4.1 "Relocation
	// observer").
	DataMoved(oldID, newID uint64, raw []byte, compressed bool) error
}

// Section is one slab allocator instance.
type Section struct {
	p          *pager.Pager
	headerPage uint32
	numPages   uint32
	ownerHash  uint64
	tableType  byte

	dictHash  [dictHashSize]byte
	minRatio  int32
	tail      uint32
	liveBytes uint32
	free      []freeRun
}

func dataOffset() uint32 { return HeaderSize }

func capacityOf(numPages uint32) uint32 {
	return numPages*pager.PageSize - HeaderSize
}

// Create allocates a fresh section of numPages pages.
func Create(p *pager.Pager, numPages uint32, ownerHash uint64, tableType byte) (*Section, error) {
	headerPage, buf, err := p.Alloc(numPages, pager.FlagRawData, ownerHash, tableType)
	if err != nil {
		return nil, fmt.Errorf("section: create: %w", err)
	}
	s := &Section{
		p: p, headerPage: headerPage, numPages: numPages,
		ownerHash: ownerHash, tableType: tableType,
		minRatio: noRatioObserved,
	}
	s.encode(buf)
	return s, nil
}

// Open reopens a section whose header page is already known (e.g. from the
// table root's ActiveSection/InactiveSections/ActiveCandidateSection
// slots).
func Open(p *pager.Pager, headerPage uint32) (*Section, error) {
	hdr := p.Header(headerPage)
	s := &Section{
		p: p, headerPage: headerPage, numPages: hdr.NumPages,
		ownerHash: hdr.OwnerHash, tableType: hdr.TableType,
	}
	s.decode(p.Read(headerPage))
	return s, nil
}

func (s *Section) decode(buf []byte) {
	copy(s.dictHash[:], buf[dictHashOff:dictHashOff+dictHashSize])
	s.minRatio = int32(binary.LittleEndian.Uint32(buf[minRatioOff : minRatioOff+4]))
	s.tail = binary.LittleEndian.Uint32(buf[tailOff : tailOff+4])
	s.liveBytes = binary.LittleEndian.Uint32(buf[liveBytesOff : liveBytesOff+4])

	count := binary.LittleEndian.Uint32(buf[freeCountOff : freeCountOff+4])
	s.free = s.free[:0]
	for i := uint32(0); i < count; i++ {
		off := freeRunsOff + int(i)*freeRunSize
		s.free = append(s.free, freeRun{
			offset: binary.LittleEndian.Uint32(buf[off : off+4]),
			length: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		})
	}
}

func (s *Section) encode(buf []byte) {
	copy(buf[dictHashOff:dictHashOff+dictHashSize], s.dictHash[:])
	binary.LittleEndian.PutUint32(buf[minRatioOff:minRatioOff+4], uint32(s.minRatio))
	binary.LittleEndian.PutUint32(buf[tailOff:tailOff+4], s.tail)
	binary.LittleEndian.PutUint32(buf[liveBytesOff:liveBytesOff+4], s.liveBytes)

	n := len(s.free)
	if n > maxFreeRuns {
		n = maxFreeRuns
	}
	binary.LittleEndian.PutUint32(buf[freeCountOff:freeCountOff+4], uint32(n))
	for i := 0; i < n; i++ {
		off := freeRunsOff + i*freeRunSize
		binary.LittleEndian.PutUint32(buf[off:off+4], s.free[i].offset)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.free[i].length)
	}
}

func (s *Section) persist() {
	buf := s.p.Modify(s.headerPage)
	s.encode(buf)
}

// HeaderPage, NumPages, OwnerHash and TableType expose the section's
// identity to the table layer for tracking in ActiveSection/
// InactiveSections/ActiveCandidateSection.
func (s *Section) HeaderPage() uint32 { return s.headerPage }
func (s *Section) NumPages() uint32   { return s.numPages }
func (s *Section) OwnerHash() uint64  { return s.ownerHash }
func (s *Section) TableType() byte    { return s.tableType }

// Capacity is the number of usable data bytes in the section.
func (s *Section) Capacity() uint32 { return capacityOf(s.numPages) }

// Density is the fraction of capacity currently occupied by live entries.
func (s *Section) Density() float64 {
	return float64(s.liveBytes) / float64(s.Capacity())
}

func idFor(headerPage uint32, relOffset uint32) uint64 {
	abs := uint64(headerPage)*pager.PageSize + uint64(dataOffset()) + uint64(relOffset)
	return abs
}

func decodeID(id uint64) (pageNumber uint32, offsetInPage uint32) {
	return uint32(id / pager.PageSize), uint32(id % pager.PageSize)
}

// relOffsetFor recovers an id's offset relative to this section's data
// start, given only pager page geometry (id's page number must fall within
// [headerPage, headerPage+numPages)).
func (s *Section) relOffsetFor(id uint64) (uint32, bool) {
	pageNo, offInPage := decodeID(id)
	if pageNo < s.headerPage || pageNo >= s.headerPage+s.numPages {
		return 0, false
	}
	abs := uint64(pageNo)*pager.PageSize + uint64(offInPage)
	dataStart := uint64(s.headerPage)*pager.PageSize + uint64(dataOffset())
	if abs < dataStart {
		return 0, false
	}
	return uint32(abs - dataStart), true
}

// Contains reports whether id's page falls within this section's page
// range.
func (s *Section) Contains(id uint64) bool {
	pageNo, _ := decodeID(id)
	return pageNo >= s.headerPage && pageNo < s.headerPage+s.numPages
}

// IsOwned reports whether id both belongs to this section and the section
// is owned by ownerHash (invariant 3: entries never carry their own owner
// hash, only the section does).
func (s *Section) IsOwned(id uint64, ownerHash uint64) bool {
	return s.Contains(id) && s.ownerHash == ownerHash
}

// flat returns the section's data region (everything after the section
// header) as one contiguous slice, indexed by relative offset.
func (s *Section) flat() []byte {
	return s.p.ModifyRange(s.headerPage, s.numPages)[dataOffset():]
}

func entryAt(flat []byte, off uint32) (live bool, allocated, used uint32, compressed bool) {
	live = flat[off] != 0
	allocated = binary.LittleEndian.Uint32(flat[off+1 : off+5])
	used = binary.LittleEndian.Uint32(flat[off+5 : off+9])
	compressed = flat[off+9] != 0
	return
}

func writeEntryHeader(flat []byte, off uint32, live bool, allocated, used uint32, compressed bool) {
	if live {
		flat[off] = 1
	} else {
		flat[off] = 0
	}
	binary.LittleEndian.PutUint32(flat[off+1:off+5], allocated)
	binary.LittleEndian.PutUint32(flat[off+5:off+9], used)
	if compressed {
		flat[off+9] = 1
	} else {
		flat[off+9] = 0
	}
}

// landsOnPageBoundary reports whether relOffset would place an entry's
// header at offset_in_page == 0 of one of the section's pages, which would
// make its storage id indistinguishable from an overflow-run id.
func (s *Section) landsOnPageBoundary(relOffset uint32) bool {
	abs := uint64(s.headerPage)*pager.PageSize + uint64(dataOffset()) + uint64(relOffset)
	return abs%pager.PageSize == 0
}

// TryAllocate reserves space for a size-byte entry, returning its storage
// id. ok is false when the section has no room (first-fit free list, then
// bump past the tail).
func (s *Section) TryAllocate(size int) (id uint64, ok bool) {
	needed := uint32(entryHeaderSize + size)

	for i, run := range s.free {
		off := run.offset
		n := run.length
		if s.landsOnPageBoundary(off) {
			// A zero-length dead block at the boundary keeps the header
			// chain walkable; the entry starts right after it.
			if n < entryHeaderSize+needed {
				continue
			}
			writeEntryHeader(s.flat(), off, false, 0, 0, false)
			off += entryHeaderSize
			n -= entryHeaderSize
		}
		if n < needed {
			continue
		}
		remainder := n - needed
		switch {
		case remainder == 0:
			s.free = append(s.free[:i], s.free[i+1:]...)
		case remainder < entryHeaderSize:
			// Too small to host a header of its own; fold the sliver into
			// this allocation rather than leave an unaddressable gap that
			// GetAllIDs/Compact's header-chain walk couldn't step over.
			size += int(remainder)
			s.free = append(s.free[:i], s.free[i+1:]...)
		default:
			remainderOff := off + needed
			s.free[i] = freeRun{offset: remainderOff, length: remainder}
			// The remainder isn't tracked as a live entry, but GetAllIDs
			// and Compact walk the section as one unbroken chain of
			// entryHeaderSize-prefixed blocks, so it still needs a dead
			// header of its own to keep that chain intact.
			writeEntryHeader(s.flat(), remainderOff, false, remainder-entryHeaderSize, 0, false)
		}
		s.commitAllocation(off, size)
		return idFor(s.headerPage, off), true
	}

	off := s.tail
	if s.landsOnPageBoundary(off) {
		if uint64(off)+entryHeaderSize+uint64(needed) > uint64(s.Capacity()) {
			return 0, false
		}
		writeEntryHeader(s.flat(), off, false, 0, 0, false)
		off += entryHeaderSize
	}
	if uint64(off)+uint64(needed) > uint64(s.Capacity()) {
		return 0, false
	}
	s.tail = off + needed
	s.commitAllocation(off, size)
	return idFor(s.headerPage, off), true
}

func (s *Section) commitAllocation(off uint32, size int) {
	flat := s.flat()
	writeEntryHeader(flat, off, true, uint32(size), 0, false)
	s.liveBytes += entryHeaderSize + uint32(size)
	s.persist()
}

// TryWriteDirect writes data into the entry reserved at id, marking it
// compressed as requested. len(data) must not exceed the entry's allocated
// size.
func (s *Section) TryWriteDirect(id uint64, data []byte, compressed bool) error {
	off, ok := s.relOffsetFor(id)
	if !ok {
		return fmt.Errorf("section: id %d does not belong to this section", id)
	}
	flat := s.flat()
	live, allocated, _, _ := entryAt(flat, off)
	if !live {
		return fmt.Errorf("section: id %d is not live", id)
	}
	if uint32(len(data)) > allocated {
		return fmt.Errorf("section: write of %d bytes exceeds allocated %d for id %d", len(data), allocated, id)
	}
	writeEntryHeader(flat, off, true, allocated, uint32(len(data)), compressed)
	copy(flat[off+entryHeaderSize:off+entryHeaderSize+uint32(len(data))], data)
	return nil
}

// DirectRead decodes the entry at id directly from the paged store, with
// no dependency on any particular Section instance — any section of this
// format can serve any id of this format (§4.1 "Reading across sections").
func DirectRead(p *pager.Pager, id uint64) (data []byte, compressed bool, err error) {
	pageNo, offInPage := decodeID(id)
	if offInPage == 0 {
		return nil, false, fmt.Errorf("section: id %d addresses an overflow run, not a small entry", id)
	}
	// The header itself may straddle into the next page, so map enough
	// pages to hold it before reading any field out of it.
	headerPages := uint32(1)
	if offInPage+entryHeaderSize > pager.PageSize {
		headerPages = 2
	}
	flat := p.ModifyRange(pageNo, headerPages)

	live := flat[offInPage] != 0
	if !live {
		return nil, false, fmt.Errorf("section: id %d is not a live entry", id)
	}
	allocated := binary.LittleEndian.Uint32(flat[offInPage+1 : offInPage+5])
	used := binary.LittleEndian.Uint32(flat[offInPage+5 : offInPage+9])
	compressed = flat[offInPage+9] != 0

	// The payload may extend further still; re-slice across as many pages
	// as its declared span needs.
	end := offInPage + entryHeaderSize + allocated
	if pagesNeeded := (end + pager.PageSize - 1) / pager.PageSize; pagesNeeded > headerPages {
		flat = p.ModifyRange(pageNo, pagesNeeded)
	}
	payload := flat[offInPage+entryHeaderSize : offInPage+entryHeaderSize+used]
	return payload, compressed, nil
}

// Free releases the entry at id, returning the section's density
// immediately after the free.
func (s *Section) Free(id uint64) (density float64, err error) {
	off, ok := s.relOffsetFor(id)
	if !ok {
		return 0, fmt.Errorf("section: id %d does not belong to this section", id)
	}
	flat := s.flat()
	live, allocated, _, _ := entryAt(flat, off)
	if !live {
		return s.Density(), fmt.Errorf("section: id %d already free", id)
	}
	writeEntryHeader(flat, off, false, allocated, 0, false)
	s.liveBytes -= entryHeaderSize + allocated
	s.free = append(s.free, freeRun{offset: off, length: entryHeaderSize + allocated})
	s.persist()
	return s.Density(), nil
}

// GetAllIDs walks the bump-allocated region and returns every live id.
func (s *Section) GetAllIDs() []uint64 {
	flat := s.flat()
	var ids []uint64
	for off := uint32(0); off < s.tail; {
		live, allocated, _, _ := entryAt(flat, off)
		if live {
			ids = append(ids, idFor(s.headerPage, off))
		}
		off += entryHeaderSize + allocated
	}
	return ids
}

// CurrentCompressionDictionaryHash returns the section's active dictionary
// hash; an all-zero hash means the section is uncompressed.
func (s *Section) CurrentCompressionDictionaryHash() [dictHashSize]byte {
	return s.dictHash
}

// Compact relocates every live entry out of the section via r, in
// ascending id order, then returns the section's pages to the pager
// (§4.6 step 3 "compact away the section"). Old ids remain readable
// through DirectRead until Compact returns, since it only frees the
// section's pages after every entry has been placed elsewhere.
func (s *Section) Compact(r Relocator) error {
	for _, oldID := range s.GetAllIDs() {
		raw, compressed, err := DirectRead(s.p, oldID)
		if err != nil {
			return fmt.Errorf("section: compact: read id %d: %w", oldID, err)
		}
		raw = append([]byte(nil), raw...)

		newID, err := r.Place(raw, compressed, s.dictHash)
		if err != nil {
			return fmt.Errorf("section: compact: relocate id %d: %w", oldID, err)
		}
		if err := r.DataMoved(oldID, newID, raw, compressed); err != nil {
			return fmt.Errorf("section: compact: reindex id %d -> %d: %w", oldID, newID, err)
		}
	}
	s.p.Free(s.headerPage, s.numPages)
	return nil
}

// SetDictionary tags the section with a new active compression dictionary.
func (s *Section) SetDictionary(hash [dictHashSize]byte) {
	s.dictHash = hash
	s.minRatio = noRatioObserved
	s.persist()
}

// RecordCompressionRatio folds a newly observed per-entry compression
// ratio into the section's min-observed ratio.
func (s *Section) RecordCompressionRatio(ratio int32) {
	if s.minRatio == noRatioObserved || ratio < s.minRatio {
		s.minRatio = ratio
		s.persist()
	}
}

// MinCompressionRatio reports the lowest compression ratio observed for
// any entry written with the section's current dictionary.
func (s *Section) MinCompressionRatio() int32 {
	if s.minRatio == noRatioObserved {
		return 0
	}
	return s.minRatio
}

// DictionaryHashString renders a hash for diagnostic/error messages (§4.2
// "fatal error ... with the base64 of the hash").
func DictionaryHashString(hash [dictHashSize]byte) string {
	return base64.StdEncoding.EncodeToString(hash[:])
}
