package table

import (
	"encoding/binary"

	"tablestore/builder"
	"tablestore/internal/vtree"
)

// readRowAt decodes the entry at id into its typed row, routing through
// the decompression cache (§4.8 "Decompression caching").
func (t *Table) readRowAt(id uint64) (builder.Row, error) {
	raw, err := t.decodeEntry(id)
	if err != nil {
		return nil, err
	}
	return builder.Decode(raw)
}

// ReadByKey looks up the entry whose primary key is key (§4.8 "By primary
// key").
func (t *Table) ReadByKey(key []byte) (builder.Row, bool, error) {
	blob, ok := t.primary.Get(key)
	if !ok {
		return nil, false, nil
	}
	row, err := t.readRowAt(decodeIDBytes(blob))
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// ReadByFixedIndex looks up the entry whose named fixed-size secondary
// index maps to value (§4.8 "By fixed-size index").
func (t *Table) ReadByFixedIndex(indexName string, value uint64) (builder.Row, bool, error) {
	blob, ok := t.secFixed[indexName].Get(orderedKey(value))
	if !ok {
		return nil, false, nil
	}
	row, err := t.readRowAt(decodeIDBytes(blob))
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// ReadBySecondaryVariable returns every entry whose named variable
// secondary index extracts to key, in ascending storage-id order (§4.8
// "By secondary variable index").
func (t *Table) ReadBySecondaryVariable(indexName string, key []byte) ([]builder.Row, error) {
	nested, ok, err := t.getNested(indexName, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var rows []builder.Row
	var iterErr error
	nested.Ascend(nil, nil, 0, false, func(it vtree.Item) bool {
		row, err := t.readRowAt(binary.BigEndian.Uint64(it.Key))
		if err != nil {
			iterErr = err
			return false
		}
		rows = append(rows, row)
		return true
	})
	return rows, iterErr
}

// SeekPrimary walks the primary index in key order, forward when forward
// is true and backward otherwise, starting at start (or an end of the
// tree when start is nil), honoring prefix, skip and exclude exactly as
// internal/vtree.Tree.Ascend/Descend do (§4.8 "Seek operations"). fn is
// called with each matching key and its decoded row; returning false stops
// the walk early.
func (t *Table) SeekPrimary(start, prefix []byte, skip int, exclude, forward bool, fn func(key []byte, row builder.Row) bool) error {
	var walkErr error
	visit := func(it vtree.Item) bool {
		row, err := t.readRowAt(decodeIDBytes(it.Value))
		if err != nil {
			walkErr = err
			return false
		}
		return fn(it.Key, row)
	}
	if forward {
		t.primary.Ascend(start, prefix, skip, exclude, visit)
	} else {
		t.primary.Descend(start, prefix, skip, exclude, visit)
	}
	return walkErr
}

// SeekFixedIndex walks a fixed-size secondary index in numeric key order.
// start is nil to begin at an end of the tree, otherwise the fixed key to
// begin at.
func (t *Table) SeekFixedIndex(indexName string, start *uint64, skip int, exclude, forward bool, fn func(key uint64, row builder.Row) bool) error {
	tr := t.secFixed[indexName]
	var startKey []byte
	if start != nil {
		startKey = orderedKey(*start)
	}

	var walkErr error
	visit := func(it vtree.Item) bool {
		row, err := t.readRowAt(decodeIDBytes(it.Value))
		if err != nil {
			walkErr = err
			return false
		}
		return fn(binary.BigEndian.Uint64(it.Key), row)
	}
	if forward {
		tr.Ascend(startKey, nil, skip, exclude, visit)
	} else {
		tr.Descend(startKey, nil, skip, exclude, visit)
	}
	return walkErr
}

// SeekVariableIndex walks a variable-key secondary index's distinct key
// values in order, yielding every storage id stored under each key
// (duplicates, §3 "Secondary variable-key"). fn is called once per
// distinct key with all of its ids; returning false stops the walk.
func (t *Table) SeekVariableIndex(indexName string, start, prefix []byte, skip int, exclude, forward bool, fn func(key []byte, ids []uint64) bool) error {
	outer := t.secondaryVar[indexName]

	var walkErr error
	visit := func(it vtree.Item) bool {
		rootPage := binary.LittleEndian.Uint32(it.Value)
		nested, err := vtree.OpenAt(t.p, rootPage, 1)
		if err != nil {
			walkErr = err
			return false
		}
		var ids []uint64
		nested.Ascend(nil, nil, 0, false, func(nit vtree.Item) bool {
			ids = append(ids, binary.BigEndian.Uint64(nit.Key))
			return true
		})
		return fn(it.Key, ids)
	}

	if forward {
		outer.Ascend(start, prefix, skip, exclude, visit)
	} else {
		outer.Descend(start, prefix, skip, exclude, visit)
	}
	return walkErr
}
