package table

import "tablestore/builder"

// Place implements internal/section.Relocator: it decodes raw against
// dictHash if needed, re-offers the row to the table's current
// compression dictionary, and places the result the ordinary way (§4.6
// step 3c "decompress and recompress ... relocate via try_allocate,
// falling back to allocate_from_another_section, or into a new overflow
// run").
func (t *Table) Place(raw []byte, compressed bool, dictHash [32]byte) (newID uint64, err error) {
	var plain []byte
	if compressed {
		srcHandle, err := t.holder.Get(t, dictHash)
		if err != nil {
			return 0, err
		}
		plain, err = decompressWith(raw, srcHandle)
		if err != nil {
			return 0, err
		}
	} else {
		plain = raw
	}

	row, err := builder.Decode(plain)
	if err != nil {
		return 0, err
	}

	nb := builder.New(row)
	if t.schema.Compressed {
		handle, err := t.currentSectionDictionary()
		if err != nil {
			return 0, err
		}
		if !handle.Empty() {
			nb.TryCompression(handle.CDict, handle.Hash)
		}
	}

	id, _, addedPages, err := t.place(nb)
	if err != nil {
		return 0, err
	}

	t.relocationRow = row
	t.compactionOverflowDelta += int64(addedPages)
	return id, nil
}

// DataMoved implements internal/section.Relocator, consuming the row
// Place just stashed to rewrite every index from oldID to newID and drop
// oldID's decompression-cache entry (§4.1 "Relocation observer").
func (t *Table) DataMoved(oldID, newID uint64, raw []byte, compressed bool) error {
	row := t.relocationRow
	t.relocationRow = nil
	t.invalidate(oldID)
	return t.diffUpdateIndexes(row, row, oldID, newID, false)
}
