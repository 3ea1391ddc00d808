package table

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"tablestore/dberr"
)

// rootSlotSize is the fixed payload width of every well-known slot under a
// table's root tree (§3 "Table root"). vtree values are fixed-size, so
// every slot shares one width wide enough for the largest of them (the
// encoded schema) and is zero-padded otherwise.
const rootSlotSize = 512

// pageSetCapacity bounds how many section page numbers InactiveSections
// or ActiveCandidateSection can track: a u32 count followed by that many
// u32 page numbers, fit into rootSlotSize.
const pageSetCapacity = (rootSlotSize - 4) / 4

const (
	slotSchema    = "schema"
	slotStats     = "stats"
	slotActive    = "active"
	slotInactive  = "inactive"
	slotCandidate = "candidate"
)

func (t *Table) readSlot(name string) ([]byte, bool) {
	return t.root.Get([]byte(name))
}

func (t *Table) writeSlot(name string, blob []byte) error {
	if len(blob) > rootSlotSize {
		return fmt.Errorf("table: %s: slot %q exceeds %d bytes", t.schema.Name, name, rootSlotSize)
	}
	padded := make([]byte, rootSlotSize)
	copy(padded, blob)
	return t.root.Put([]byte(name), padded)
}

// validateOrWriteSchema compares the requested schema's canonical encoding
// against the one already persisted in the root, or persists it on first
// open (§6 "validate schema against on-disk schema", §7 kind 1).
func (t *Table) validateOrWriteSchema() error {
	encoded := t.schema.Encode()
	if len(encoded)+4 > rootSlotSize {
		return fmt.Errorf("table: %s: encoded schema of %d bytes exceeds the %d-byte root slot", t.schema.Name, len(encoded), rootSlotSize-4)
	}

	blob, ok := t.readSlot(slotSchema)
	if !ok {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		return t.writeSlot(slotSchema, append(lenBuf[:], encoded...))
	}

	n := binary.LittleEndian.Uint32(blob[0:4])
	onDisk := blob[4 : 4+n]
	if !bytes.Equal(onDisk, encoded) {
		e := dberr.New(dberr.CategoryUser, dberr.CodeSchemaMismatch, "schema does not match the schema already persisted for this table")
		e.Operation = "Open"
		e.Component = "Table"
		e.Detail = t.schema.Name
		return e
	}
	return nil
}

// stats is the decoded form of the Stats slot.
type stats struct {
	entries       uint64
	overflowPages uint64
}

func (t *Table) readStats() stats {
	blob, ok := t.readSlot(slotStats)
	if !ok {
		return stats{}
	}
	return stats{
		entries:       binary.LittleEndian.Uint64(blob[0:8]),
		overflowPages: binary.LittleEndian.Uint64(blob[8:16]),
	}
}

func (t *Table) writeStats(s stats) error {
	var blob [16]byte
	binary.LittleEndian.PutUint64(blob[0:8], s.entries)
	binary.LittleEndian.PutUint64(blob[8:16], s.overflowPages)
	return t.writeSlot(slotStats, blob[:])
}

func (t *Table) readActiveSectionPage() uint32 {
	blob, ok := t.readSlot(slotActive)
	if !ok {
		return 0
	}
	return uint32(binary.LittleEndian.Uint64(blob[0:8]))
}

func (t *Table) writeActiveSectionPage(page uint32) error {
	var blob [8]byte
	binary.LittleEndian.PutUint64(blob[0:8], uint64(page))
	return t.writeSlot(slotActive, blob[:])
}

// pageSet is the decoded form of InactiveSections / ActiveCandidateSection:
// a small, ordered set of section header page numbers.
type pageSet struct {
	pages []uint32
}

func (t *Table) readPageSet(slot string) pageSet {
	blob, ok := t.readSlot(slot)
	if !ok {
		return pageSet{}
	}
	n := binary.LittleEndian.Uint32(blob[0:4])
	ps := pageSet{pages: make([]uint32, 0, n)}
	for i := uint32(0); i < n; i++ {
		off := 4 + i*4
		ps.pages = append(ps.pages, binary.LittleEndian.Uint32(blob[off:off+4]))
	}
	return ps
}

func (t *Table) writePageSet(slot string, ps pageSet) error {
	if len(ps.pages) > pageSetCapacity {
		return fmt.Errorf("table: %s: %s set exceeds capacity of %d sections", t.schema.Name, slot, pageSetCapacity)
	}
	blob := make([]byte, 4+len(ps.pages)*4)
	binary.LittleEndian.PutUint32(blob[0:4], uint32(len(ps.pages)))
	for i, page := range ps.pages {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(blob[off:off+4], page)
	}
	return t.writeSlot(slot, blob)
}

func (ps *pageSet) add(page uint32) {
	ps.pages = append(ps.pages, page)
}

func (ps *pageSet) contains(page uint32) bool {
	for _, p := range ps.pages {
		if p == page {
			return true
		}
	}
	return false
}

func (ps *pageSet) remove(page uint32) bool {
	for i, p := range ps.pages {
		if p == page {
			ps.pages = append(ps.pages[:i], ps.pages[i+1:]...)
			return true
		}
	}
	return false
}

// dictionarySlotSize is the fixed payload width of an entry in the
// Dictionaries tree: expected_ratio(4) | dict_len(4) | dict_bytes, padded
// to this width. 4 KiB is the trained-dictionary target size (§4.3).
const dictionarySlotSize = 4*1024 + 8

// LookupDictionary implements dictionary.Store, resolving a dictionary
// hash against this table's Dictionaries tree.
func (t *Table) LookupDictionary(hash [32]byte) (expectedRatio int32, dictBytes []byte, ok bool) {
	blob, found := t.dictionaries.Get(hash[:])
	if !found {
		return 0, nil, false
	}
	ratio := int32(binary.LittleEndian.Uint32(blob[0:4]))
	n := binary.LittleEndian.Uint32(blob[4:8])
	return ratio, append([]byte(nil), blob[8:8+n]...), true
}

func (t *Table) storeDictionary(hash [32]byte, expectedRatio int32, dictBytes []byte) error {
	if 8+len(dictBytes) > dictionarySlotSize {
		return fmt.Errorf("table: %s: trained dictionary of %d bytes exceeds the %d-byte dictionary slot", t.schema.Name, len(dictBytes), dictionarySlotSize-8)
	}
	blob := make([]byte, dictionarySlotSize)
	binary.LittleEndian.PutUint32(blob[0:4], uint32(expectedRatio))
	binary.LittleEndian.PutUint32(blob[4:8], uint32(len(dictBytes)))
	copy(blob[8:8+len(dictBytes)], dictBytes)
	return t.dictionaries.Put(hash[:], blob)
}
