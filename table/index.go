package table

import (
	"encoding/binary"
	"fmt"

	"tablestore/builder"
	"tablestore/dberr"
	"tablestore/internal/vtree"
	"tablestore/schema"
)

// idBytes encodes id little-endian, the form used wherever a storage id is
// stored as an index value (primary and fixed secondary indexes). The
// nested id-set trees of variable indexes instead key ids with orderedKey
// (big-endian), so they iterate in ascending id order.
func idBytes(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

func decodeIDBytes(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// orderedKey encodes a fixed-size-tree's 64-bit key big-endian, so
// byte-lexicographic tree ordering matches numeric ordering (consistent
// with schema.ByColumnValueBytes's own big-endian numeric encoding).
func orderedKey(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

var nestedMarker = []byte{1}

func nestedCacheKey(indexName string, key []byte) string {
	return indexName + "\x00" + string(key)
}

// getOrCreateNested returns the nested fixed-size id-set tree addressed by
// key within the named secondary variable index, creating it (and the
// outer tree's pointer entry) on first use (§3, §4.9 "Variable secondary").
func (t *Table) getOrCreateNested(indexName string, key []byte) (*vtree.Tree, error) {
	cacheKey := nestedCacheKey(indexName, key)
	if tr, ok := t.nestedTrees[cacheKey]; ok {
		return tr, nil
	}

	outer := t.secondaryVar[indexName]
	if blob, ok := outer.Get(key); ok {
		rootPage := binary.LittleEndian.Uint32(blob)
		tr, err := vtree.OpenAt(t.p, rootPage, 1)
		if err != nil {
			return nil, fmt.Errorf("table: %s: reopen nested tree for index %q: %w", t.schema.Name, indexName, err)
		}
		t.nestedTrees[cacheKey] = tr
		return tr, nil
	}

	tr, err := vtree.Create(t.p, t.ownerHash, 1)
	if err != nil {
		return nil, fmt.Errorf("table: %s: create nested tree for index %q: %w", t.schema.Name, indexName, err)
	}
	var ptr [4]byte
	binary.LittleEndian.PutUint32(ptr[:], tr.RootPage())
	if err := outer.Put(key, ptr[:]); err != nil {
		return nil, err
	}
	t.nestedTrees[cacheKey] = tr
	return tr, nil
}

// getNested looks up the nested tree for key without creating it, used on
// the delete path where a missing entry is a corruption error rather than
// something to paper over.
func (t *Table) getNested(indexName string, key []byte) (*vtree.Tree, bool, error) {
	cacheKey := nestedCacheKey(indexName, key)
	if tr, ok := t.nestedTrees[cacheKey]; ok {
		return tr, true, nil
	}
	outer := t.secondaryVar[indexName]
	blob, ok := outer.Get(key)
	if !ok {
		return nil, false, nil
	}
	rootPage := binary.LittleEndian.Uint32(blob)
	tr, err := vtree.OpenAt(t.p, rootPage, 1)
	if err != nil {
		return nil, false, fmt.Errorf("table: %s: reopen nested tree for index %q: %w", t.schema.Name, indexName, err)
	}
	t.nestedTrees[cacheKey] = tr
	return tr, true, nil
}

// insertIndexes adds id to the primary index and every declared secondary
// index, extracting each index's key from row (§4.9).
func (t *Table) insertIndexes(row builder.Row, id uint64) error {
	primaryKey := t.schema.Primary(row)
	if _, exists := t.primary.Get(primaryKey); exists {
		e := dberr.New(dberr.CategoryUser, dberr.CodeDuplicateKey, "duplicate primary key")
		e.Operation, e.Component = "Insert", "Table"
		return e
	}
	if err := t.primary.Put(primaryKey, idBytes(id)); err != nil {
		return err
	}

	for _, idx := range t.schema.Secondary {
		if err := t.insertOneIndex(idx, row, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) insertOneIndex(idx schema.IndexSpec, row builder.Row, id uint64) error {
	if idx.IsFixed() {
		key := orderedKey(idx.Fixed(row))
		tr := t.secFixed[idx.Name]
		if _, exists := tr.Get(key); exists {
			e := dberr.New(dberr.CategoryUser, dberr.CodeDuplicateKey, "duplicate fixed-index key")
			e.Operation, e.Component = "Insert", idx.Name
			return e
		}
		return tr.Put(key, idBytes(id))
	}

	key := idx.Var(row)
	nested, err := t.getOrCreateNested(idx.Name, key)
	if err != nil {
		return err
	}
	return nested.Put(orderedKey(id), nestedMarker)
}

// deleteIndexes symmetrically removes id from every index, extracting keys
// from row. A missing entry on any index is unrecoverable corruption
// (§4.9, §7 kind 4).
func (t *Table) deleteIndexes(row builder.Row, id uint64) error {
	primaryKey := t.schema.Primary(row)
	if !t.primary.Delete(primaryKey) {
		return dberr.Corrupt("Delete", "Table", "primary index entry missing on delete")
	}

	for _, idx := range t.schema.Secondary {
		if err := t.deleteOneIndex(idx, row, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) deleteOneIndex(idx schema.IndexSpec, row builder.Row, id uint64) error {
	if idx.IsFixed() {
		key := orderedKey(idx.Fixed(row))
		if !t.secFixed[idx.Name].Delete(key) {
			return dberr.Corrupt("Delete", idx.Name, "fixed-index entry missing on delete")
		}
		return nil
	}

	key := idx.Var(row)
	nested, ok, err := t.getNested(idx.Name, key)
	if err != nil {
		return err
	}
	if !ok || !nested.Delete(orderedKey(id)) {
		return dberr.Corrupt("Delete", idx.Name, "variable-index entry missing on delete")
	}
	return nil
}

// diffUpdateIndexes rewrites indexes for an in-place update: an index is
// left untouched when its extracted slice is unchanged (unless force is
// set), otherwise the old entry is removed and the new one added under
// possibly a new id (§4.5 step 4, §4.9 "diff mode").
func (t *Table) diffUpdateIndexes(oldRow, newRow builder.Row, oldID, newID uint64, force bool) error {
	oldPrimary := t.schema.Primary(oldRow)
	newPrimary := t.schema.Primary(newRow)
	if force || string(oldPrimary) != string(newPrimary) || oldID != newID {
		if !t.primary.Delete(oldPrimary) {
			return dberr.Corrupt("Update", "Table", "primary index entry missing on update")
		}
		if err := t.primary.Put(newPrimary, idBytes(newID)); err != nil {
			return err
		}
	}

	for _, idx := range t.schema.Secondary {
		if err := t.diffUpdateOneIndex(idx, oldRow, newRow, oldID, newID, force); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) diffUpdateOneIndex(idx schema.IndexSpec, oldRow, newRow builder.Row, oldID, newID uint64, force bool) error {
	if idx.IsFixed() {
		oldKey := idx.Fixed(oldRow)
		newKey := idx.Fixed(newRow)
		if !force && oldKey == newKey && oldID == newID {
			return nil
		}
		tr := t.secFixed[idx.Name]
		if !tr.Delete(orderedKey(oldKey)) {
			return dberr.Corrupt("Update", idx.Name, "fixed-index entry missing on update")
		}
		if _, exists := tr.Get(orderedKey(newKey)); exists {
			e := dberr.New(dberr.CategoryUser, dberr.CodeDuplicateKey, "duplicate fixed-index key")
			e.Operation, e.Component = "Update", idx.Name
			return e
		}
		return tr.Put(orderedKey(newKey), idBytes(newID))
	}

	oldKey := idx.Var(oldRow)
	newKey := idx.Var(newRow)
	if !force && string(oldKey) == string(newKey) && oldID == newID {
		return nil
	}
	oldNested, ok, err := t.getNested(idx.Name, oldKey)
	if err != nil {
		return err
	}
	if !ok || !oldNested.Delete(orderedKey(oldID)) {
		return dberr.Corrupt("Update", idx.Name, "variable-index entry missing on update")
	}
	newNested, err := t.getOrCreateNested(idx.Name, newKey)
	if err != nil {
		return err
	}
	return newNested.Put(orderedKey(newID), nestedMarker)
}
