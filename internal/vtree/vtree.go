// Package vtree implements the "B-tree / Fixed-Size-Tree" external
// dependency of §6: an ordered map from a byte-slice key (variable or
// fixed length — callers decide which) to a fixed-size payload, with
// prefix- and direction-aware iteration.
//
// Durability is provided by a chain of slotted pages allocated from
// internal/pager, modeled on StoreMy's heap page slot-directory layout.
// Ordering and lookup are served entirely from an in-memory
// github.com/google/btree index rebuilt by scanning the page chain on
// Open: the pages are the tree's durable log, the google/btree is its
// live shape.
package vtree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"tablestore/internal/pager"
)

// TableType tags a vtree root/leaf page's PageHeader.TableType.
const TableType = 0xF0

const (
	rootValueSizeOff  = pager.HeaderSize
	rootPageCountOff  = rootValueSizeOff + 4
	rootLeafPagesOff  = rootPageCountOff + 4
	rootLeafEntrySize = 4
)

var maxLeafPages = (pager.PageSize - rootLeafPagesOff) / rootLeafEntrySize

const (
	leafSlotCountOff = pager.HeaderSize
	leafTailOff      = leafSlotCountOff + 2
	leafSlotDirOff   = leafTailOff + 2
	leafSlotSize     = 2

	entryTombstoneSize = 1
	entryKeyLenSize    = 2
)

// Tree is an ordered key/value map backed by internal/pager pages.
type Tree struct {
	p         *pager.Pager
	name      string
	rootPage  uint32
	valueSize int
	leafPages []uint32

	index *btree.BTree
}

type entryRef struct {
	key   []byte
	value []byte
	page  uint32
	slot  uint16
}

func (e *entryRef) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entryRef).key) < 0
}

// Open opens (creating if necessary) the named top-level tree, registered
// in the pager's small named-tree directory. Use this for a table's own
// handful of trees (primary index, each secondary index's outer tree,
// the Dictionaries tree). valueSize is the fixed payload length stored
// against every key; it must match across reopens of the same named tree.
func Open(p *pager.Pager, name string, ownerHash uint64, valueSize int) (*Tree, error) {
	rootPage, created, err := p.OpenTree(name)
	if err != nil {
		return nil, fmt.Errorf("vtree: open %q: %w", name, err)
	}
	if created || rootPage == 0 {
		t, err := Create(p, ownerHash, valueSize)
		if err != nil {
			return nil, fmt.Errorf("vtree: create %q: %w", name, err)
		}
		t.name = name
		if err := p.SetTreeRoot(name, t.rootPage); err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := OpenAt(p, rootPage, valueSize)
	if err != nil {
		return nil, fmt.Errorf("vtree: open %q: %w", name, err)
	}
	t.name = name
	return t, nil
}

// Create allocates a fresh tree addressed only by its root page number,
// not registered in the pager's named-tree directory. This is how nested
// trees are created — e.g. the fixed-size id-set a secondary variable-key
// index's outer tree addresses per distinct key (§3) — since the
// directory's capacity is sized for a table's handful of top-level trees,
// not one entry per distinct indexed value.
func Create(p *pager.Pager, ownerHash uint64, valueSize int) (*Tree, error) {
	page, buf, err := p.Alloc(1, 0, ownerHash, TableType)
	if err != nil {
		return nil, fmt.Errorf("vtree: allocate root: %w", err)
	}
	binary.LittleEndian.PutUint32(buf[rootValueSizeOff:rootValueSizeOff+4], uint32(valueSize))
	binary.LittleEndian.PutUint32(buf[rootPageCountOff:rootPageCountOff+4], 0)
	return &Tree{p: p, rootPage: page, valueSize: valueSize, index: btree.New(32)}, nil
}

// OpenAt reopens a tree whose root page is already known, e.g. a value
// read out of a parent tree. See Create.
func OpenAt(p *pager.Pager, rootPage uint32, valueSize int) (*Tree, error) {
	t := &Tree{p: p, rootPage: rootPage, valueSize: valueSize, index: btree.New(32)}

	buf := p.Read(rootPage)
	storedSize := int(binary.LittleEndian.Uint32(buf[rootValueSizeOff : rootValueSizeOff+4]))
	if storedSize != valueSize {
		return nil, fmt.Errorf("vtree: root page %d value size mismatch: stored %d, requested %d", rootPage, storedSize, valueSize)
	}
	count := binary.LittleEndian.Uint32(buf[rootPageCountOff : rootPageCountOff+4])
	for i := uint32(0); i < count; i++ {
		off := rootLeafPagesOff + int(i)*rootLeafEntrySize
		t.leafPages = append(t.leafPages, binary.LittleEndian.Uint32(buf[off:off+4]))
	}
	for _, leaf := range t.leafPages {
		t.scanLeaf(leaf)
	}
	return t, nil
}

// RootPage is this tree's root page number, usable as a pointer value
// stored inside a parent tree (see Create/OpenAt).
func (t *Tree) RootPage() uint32 { return t.rootPage }

func (t *Tree) scanLeaf(leaf uint32) {
	buf := t.p.Read(leaf)
	count := binary.LittleEndian.Uint16(buf[leafSlotCountOff : leafSlotCountOff+2])
	for slot := uint16(0); slot < count; slot++ {
		dirOff := leafSlotDirOff + int(slot)*leafSlotSize
		entryOff := binary.LittleEndian.Uint16(buf[dirOff : dirOff+leafSlotSize])
		if buf[entryOff] != 0 {
			continue // tombstoned
		}
		keyLen := int(binary.LittleEndian.Uint16(buf[entryOff+1 : entryOff+1+2]))
		keyStart := int(entryOff) + entryTombstoneSize + entryKeyLenSize
		key := append([]byte(nil), buf[keyStart:keyStart+keyLen]...)
		value := append([]byte(nil), buf[keyStart+keyLen:keyStart+keyLen+t.valueSize]...)
		t.index.ReplaceOrInsert(&entryRef{key: key, value: value, page: leaf, slot: slot})
	}
}

func (t *Tree) persistRoot() error {
	buf := t.p.Modify(t.rootPage)
	binary.LittleEndian.PutUint32(buf[rootPageCountOff:rootPageCountOff+4], uint32(len(t.leafPages)))
	if len(t.leafPages) > maxLeafPages {
		return fmt.Errorf("vtree: %q exceeded %d leaf pages", t.name, maxLeafPages)
	}
	for i, leaf := range t.leafPages {
		off := rootLeafPagesOff + i*rootLeafEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], leaf)
	}
	return nil
}

// Get returns the value stored for key, if any.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	item := t.index.Get(&entryRef{key: key})
	if item == nil {
		return nil, false
	}
	return item.(*entryRef).value, true
}

// Put inserts or overwrites the value for key.
func (t *Tree) Put(key, value []byte) error {
	if len(value) != t.valueSize {
		return fmt.Errorf("vtree: %q: value is %d bytes, want %d", t.name, len(value), t.valueSize)
	}

	if existing := t.index.Get(&entryRef{key: key}); existing != nil {
		ref := existing.(*entryRef)
		buf := t.p.Modify(ref.page)
		dirOff := leafSlotDirOff + int(ref.slot)*leafSlotSize
		entryOff := binary.LittleEndian.Uint16(buf[dirOff : dirOff+leafSlotSize])
		keyLen := int(binary.LittleEndian.Uint16(buf[entryOff+1 : entryOff+1+2]))
		valStart := int(entryOff) + entryTombstoneSize + entryKeyLenSize + keyLen
		copy(buf[valStart:valStart+t.valueSize], value)
		ref.value = append([]byte(nil), value...)
		return nil
	}

	entrySize := entryTombstoneSize + entryKeyLenSize + len(key) + t.valueSize
	leaf, slot, err := t.appendEntry(key, value, entrySize)
	if err != nil {
		return err
	}
	t.index.ReplaceOrInsert(&entryRef{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		page:  leaf,
		slot:  slot,
	})
	return nil
}

func (t *Tree) appendEntry(key, value []byte, entrySize int) (leaf uint32, slot uint16, err error) {
	if len(t.leafPages) == 0 || !t.leafHasRoom(t.leafPages[len(t.leafPages)-1], entrySize) {
		page, _, err := t.p.Alloc(1, 0, t.p.Header(t.rootPage).OwnerHash, TableType)
		if err != nil {
			return 0, 0, fmt.Errorf("vtree: %q: allocate leaf: %w", t.name, err)
		}
		t.initLeaf(page)
		t.leafPages = append(t.leafPages, page)
		if err := t.persistRoot(); err != nil {
			return 0, 0, err
		}
	}

	leaf = t.leafPages[len(t.leafPages)-1]
	buf := t.p.Modify(leaf)

	count := binary.LittleEndian.Uint16(buf[leafSlotCountOff : leafSlotCountOff+2])
	tail := binary.LittleEndian.Uint16(buf[leafTailOff : leafTailOff+2])

	newTail := int(tail) - entrySize
	entry := buf[newTail : newTail+entrySize]
	entry[0] = 0
	binary.LittleEndian.PutUint16(entry[1:3], uint16(len(key)))
	copy(entry[3:3+len(key)], key)
	copy(entry[3+len(key):3+len(key)+t.valueSize], value)

	dirOff := leafSlotDirOff + int(count)*leafSlotSize
	binary.LittleEndian.PutUint16(buf[dirOff:dirOff+leafSlotSize], uint16(newTail))
	binary.LittleEndian.PutUint16(buf[leafSlotCountOff:leafSlotCountOff+2], count+1)
	binary.LittleEndian.PutUint16(buf[leafTailOff:leafTailOff+2], uint16(newTail))

	return leaf, count, nil
}

func (t *Tree) initLeaf(page uint32) {
	buf := t.p.Modify(page)
	binary.LittleEndian.PutUint16(buf[leafSlotCountOff:leafSlotCountOff+2], 0)
	binary.LittleEndian.PutUint16(buf[leafTailOff:leafTailOff+2], uint16(pager.PageSize))
}

func (t *Tree) leafHasRoom(page uint32, entrySize int) bool {
	buf := t.p.Read(page)
	count := binary.LittleEndian.Uint16(buf[leafSlotCountOff : leafSlotCountOff+2])
	tail := binary.LittleEndian.Uint16(buf[leafTailOff : leafTailOff+2])
	dirEnd := leafSlotDirOff + int(count+1)*leafSlotSize
	return dirEnd <= int(tail)-entrySize
}

// Delete removes key, reporting whether it was present.
func (t *Tree) Delete(key []byte) bool {
	item := t.index.Delete(&entryRef{key: key})
	if item == nil {
		return false
	}
	ref := item.(*entryRef)
	buf := t.p.Modify(ref.page)
	dirOff := leafSlotDirOff + int(ref.slot)*leafSlotSize
	entryOff := binary.LittleEndian.Uint16(buf[dirOff : dirOff+leafSlotSize])
	buf[entryOff] = 1
	return true
}

// Len reports the number of live keys in the tree.
func (t *Tree) Len() int {
	return t.index.Len()
}

// Item is one key/value pair yielded by iteration.
type Item struct {
	Key   []byte
	Value []byte
}

func hasPrefix(key, prefix []byte) bool {
	return prefix == nil || bytes.HasPrefix(key, prefix)
}

// Ascend iterates keys in increasing order starting at start (or from the
// very first key when start is nil). When exclude is true and start is
// non-nil, a key exactly equal to start is skipped. skip further matching
// entries are then dropped before fn is first called. Iteration stops when
// fn returns false or the tree is exhausted.
func (t *Tree) Ascend(start, prefix []byte, skip int, exclude bool, fn func(Item) bool) {
	skipped := 0
	visit := func(it btree.Item) bool {
		ref := it.(*entryRef)
		if exclude && start != nil && bytes.Equal(ref.key, start) {
			return true
		}
		if !hasPrefix(ref.key, prefix) {
			// Once ascending past the prefix's range there can be no more
			// matches.
			return prefix == nil || bytes.Compare(ref.key, prefix) < 0
		}
		if skipped < skip {
			skipped++
			return true
		}
		return fn(Item{Key: ref.key, Value: ref.value})
	}

	if start != nil {
		t.index.AscendGreaterOrEqual(&entryRef{key: start}, visit)
	} else {
		t.index.Ascend(visit)
	}
}

// Descend iterates keys in decreasing order starting at start (or from the
// very last key when start is nil), with the same skip/exclude/prefix
// contract as Ascend.
func (t *Tree) Descend(start, prefix []byte, skip int, exclude bool, fn func(Item) bool) {
	skipped := 0
	visit := func(it btree.Item) bool {
		ref := it.(*entryRef)
		if exclude && start != nil && bytes.Equal(ref.key, start) {
			return true
		}
		if !hasPrefix(ref.key, prefix) {
			return true
		}
		if skipped < skip {
			skipped++
			return true
		}
		return fn(Item{Key: ref.key, Value: ref.value})
	}

	if start != nil {
		t.index.DescendLessOrEqual(&entryRef{key: start}, visit)
	} else {
		t.index.Descend(visit)
	}
}
