// Package table implements the Table orchestrator of §4.4-§4.9: routing
// of reads/writes between small raw-data sections and large overflow
// pages, index maintenance, compaction, and the dictionary-compression
// lifecycle. Grounded on StoreMy's `pkg/tables/table.go` orchestration
// shape and `pkg/indexmanager/*`'s index-per-declared-column wiring,
// generalized to the storage-id/section/overflow model of §3.
package table

import (
	"fmt"

	"tablestore/builder"
	"tablestore/dberr"
	"tablestore/internal/arena"
	"tablestore/internal/dictionary"
	"tablestore/internal/pager"
	"tablestore/internal/section"
	"tablestore/internal/vtree"
	"tablestore/internal/xhash"
	"tablestore/schema"
)

// MaxItemSize bounds how large an encoded entry may be before the table
// routes it to an overflow run instead of a raw-data section (§4.1
// "Allocation policy"). Kept well below pager.PageSize so a handful of
// max-size entries still share a section with others.
const MaxItemSize = 4096

// maxSmallEntrySize is the largest entry size a section will accept: §4.4
// step 3 routes to a section only when entry_size+header < MAX_ITEM_SIZE,
// so the last eligible small size is one less than MAX_ITEM_SIZE minus the
// section's own per-entry header.
const maxSmallEntrySize = MaxItemSize - section.EntryHeaderSize - 1

const (
	maxSectionPages32 = 256
	maxSectionPages64 = 8192
)

// Table is a single table instance, opened against one schema within one
// paged store. It owns the schema's index trees, the table root's
// well-known slots, and a transaction-scoped decompression cache; none of
// this is shared across Table instances (§5 "Per-table caches").
type Table struct {
	p         *pager.Pager
	holder    *dictionary.Holder
	schema    *schema.Schema
	ownerHash uint64
	readOnly  bool

	// arena backs the scoped sample buffers dictionary training copies
	// retiring-section data into (switch.go's collectTrainingCorpus),
	// scoped to one allocateFromAnotherSection call (§6 "Byte Arena").
	arena *arena.Arena

	root         *vtree.Tree
	primary      *vtree.Tree
	secondaryVar map[string]*vtree.Tree
	secFixed     map[string]*vtree.Tree
	dictionaries *vtree.Tree

	active *section.Section

	// nestedTrees caches the per-key nested id-set trees opened for
	// secondary variable indexes during this table's lifetime, keyed by
	// "<indexName>\x00<key>" (§5 "fixed_size_tree_cache").
	nestedTrees map[string]*vtree.Tree

	// decompressed memoizes the decompressed form of an id for the
	// lifetime of this Table instance, invalidated on any mutation of
	// that id (§4.3 step 3, invariant 6).
	decompressed map[uint64][]byte

	// relocationRow and compactionOverflowDelta are scratch state for the
	// duration of one section.Compact call: Place decodes and stashes the
	// row for the entry it just placed, and DataMoved (always invoked
	// immediately after, per section.Relocator's contract) consumes it to
	// rewrite indexes without decoding twice.
	relocationRow           builder.Row
	compactionOverflowDelta int64
}

// Open opens (creating on first use) a table for s against p, validating
// s against whatever schema is already persisted in the root. readOnly
// tables reject every mutating operation (§7 kind 9).
func Open(p *pager.Pager, holder *dictionary.Holder, s *schema.Schema, readOnly bool) (*Table, error) {
	ownerHash := xhash.Generic([]byte(s.Name), nil)
	ownerHashU64 := uint64From(ownerHash)

	root, err := vtree.Open(p, s.Name+":root", ownerHashU64, rootSlotSize)
	if err != nil {
		return nil, fmt.Errorf("table: %s: open root: %w", s.Name, err)
	}

	t := &Table{
		p: p, holder: holder, schema: s, ownerHash: ownerHashU64, readOnly: readOnly,
		root:         root,
		arena:        arena.New(),
		secondaryVar: make(map[string]*vtree.Tree),
		secFixed:     make(map[string]*vtree.Tree),
		nestedTrees:  make(map[string]*vtree.Tree),
		decompressed: make(map[uint64][]byte),
	}

	if err := t.validateOrWriteSchema(); err != nil {
		return nil, err
	}

	t.primary, err = vtree.Open(p, s.Name+":primary", ownerHashU64, 8)
	if err != nil {
		return nil, fmt.Errorf("table: %s: open primary index: %w", s.Name, err)
	}
	for _, idx := range s.Secondary {
		if idx.IsFixed() {
			tr, err := vtree.Open(p, s.Name+":fidx:"+idx.Name, ownerHashU64, 8)
			if err != nil {
				return nil, fmt.Errorf("table: %s: open fixed index %q: %w", s.Name, idx.Name, err)
			}
			t.secFixed[idx.Name] = tr
		} else {
			tr, err := vtree.Open(p, s.Name+":vidx:"+idx.Name, ownerHashU64, 4)
			if err != nil {
				return nil, fmt.Errorf("table: %s: open variable index %q: %w", s.Name, idx.Name, err)
			}
			t.secondaryVar[idx.Name] = tr
		}
	}

	if s.Compressed {
		t.dictionaries, err = vtree.Open(p, s.Name+":dict", ownerHashU64, dictionarySlotSize)
		if err != nil {
			return nil, fmt.Errorf("table: %s: open dictionaries: %w", s.Name, err)
		}
	}

	if page := t.readActiveSectionPage(); page != 0 {
		t.active, err = section.Open(p, page)
		if err != nil {
			return nil, fmt.Errorf("table: %s: reopen active section: %w", s.Name, err)
		}
	}

	return t, nil
}

func uint64From(hash [32]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(hash[i])
	}
	return v
}

func (t *Table) requireWritable(op string) error {
	if !t.readOnly {
		return nil
	}
	e := dberr.New(dberr.CategoryUser, dberr.CodeReadOnlyWrite, "mutation attempted on a read-only view")
	e.Operation, e.Component, e.Cause = op, "Table", &writeToReadOnlyError{table: t.schema.Name, op: op}
	return e
}

type writeToReadOnlyError struct {
	table string
	op    string
}

func (e *writeToReadOnlyError) Error() string {
	return fmt.Sprintf("table: %s: %s attempted on a read-only view", e.table, e.op)
}

func (t *Table) maxSectionPages() uint32 {
	if is64BitHost {
		return maxSectionPages64
	}
	return maxSectionPages32
}

func (t *Table) invalidate(id uint64) {
	delete(t.decompressed, id)
}

// Report is the introspection snapshot returned by GetReport (§6
// "get_report").
type Report struct {
	Entries          uint64
	OverflowPages    uint64
	PrimaryKeys      int
	SecondaryDetails map[string]int
}

// GetReport summarizes this table's current state. includeDetails also
// walks every secondary index to report its key count; omitting it skips
// that (potentially expensive) walk.
func (t *Table) GetReport(includeDetails bool) Report {
	s := t.readStats()
	r := Report{Entries: s.entries, OverflowPages: s.overflowPages, PrimaryKeys: t.primary.Len()}
	if !includeDetails {
		return r
	}
	r.SecondaryDetails = make(map[string]int, len(t.secondaryVar)+len(t.secFixed))
	for name, tr := range t.secondaryVar {
		r.SecondaryDetails[name] = tr.Len()
	}
	for name, tr := range t.secFixed {
		r.SecondaryDetails[name] = tr.Len()
	}
	return r
}

// PrepareForCommit flushes any state this Table instance keeps beyond what
// individual tree mutations already persisted. Every slot and tree write
// in this package is already applied directly to pager-backed pages as it
// happens, so there is nothing left to flush and it returns nil without
// touching any state; the in-memory caches are released by Dispose (§6
// "commit hook", §5 "disposed when the table is disposed").
func (t *Table) PrepareForCommit() error {
	return nil
}

// Dispose releases this table's in-memory caches. It does not close the
// underlying pager, which may be shared by other tables in the same
// transaction.
func (t *Table) Dispose() {
	t.decompressed = nil
	t.nestedTrees = nil
}
