package table

import (
	"fmt"

	"tablestore/builder"
	"tablestore/internal/pager"
)

// Update rewrites the entry at id to newRow, returning its (possibly
// changed) storage id. force rewrites every index even when an index's
// extracted slice compares equal to its previous value (§4.5 step 4).
func (t *Table) Update(id uint64, newRow builder.Row, force bool) (uint64, error) {
	if err := t.requireWritable("Update"); err != nil {
		return 0, err
	}

	oldRaw, err := t.decodeEntry(id)
	if err != nil {
		return 0, fmt.Errorf("table: %s: update: read old entry: %w", t.schema.Name, err)
	}
	oldReader, err := builder.NewReader(oldRaw)
	if err != nil {
		return 0, fmt.Errorf("table: %s: update: decode old entry: %w", t.schema.Name, err)
	}
	oldRow := oldReader.Row()
	t.invalidate(id)

	nb := builder.New(newRow)
	if t.schema.Compressed {
		handle, err := t.currentSectionDictionary()
		if err != nil {
			return 0, err
		}
		if !handle.Empty() {
			nb.TryCompression(handle.CDict, handle.Hash)
		}
	}

	newID, overflowPageDelta, err := t.rewrite(id, nb)
	if err != nil {
		return 0, err
	}

	if err := t.diffUpdateIndexes(oldRow, newRow, id, newID, force); err != nil {
		return 0, err
	}

	if overflowPageDelta != 0 {
		s := t.readStats()
		if overflowPageDelta > 0 {
			s.overflowPages += uint64(overflowPageDelta)
		} else {
			s.overflowPages -= uint64(-overflowPageDelta)
		}
		if err := t.writeStats(s); err != nil {
			return 0, err
		}
	}

	return newID, nil
}

// rewrite implements §4.5 steps 2-3: try to reuse id's existing storage
// when the new form is the same "smallness" class and (for overflow) the
// same page count, otherwise fall back to delete-then-insert.
func (t *Table) rewrite(id uint64, nb *builder.Builder) (newID uint64, overflowPageDelta int64, err error) {
	isOverflow := id%pager.PageSize == 0

	if !isOverflow && nb.Size() <= maxSmallEntrySize {
		sec, err := t.sectionOwning(id)
		if err != nil {
			return 0, 0, err
		}
		if werr := sec.TryWriteDirect(id, finalForm(nb), nb.IsCompressed()); werr == nil {
			if nb.IsCompressed() {
				ratio := builder.CompressionRatioPercent(len(nb.Raw()), nb.Size())
				sec.RecordCompressionRatio(ratio)
			}
			return id, 0, nil
		}
		// Doesn't fit the entry's existing allocation; fall through to
		// delete-then-insert.
	}

	if isOverflow && nb.Size() > maxSmallEntrySize {
		pageNo := uint32(id / pager.PageSize)
		oldHdr := t.p.Header(pageNo)
		payload := finalForm(nb)
		if nb.IsCompressed() {
			hash := nb.DictionaryHash()
			payload = append(append([]byte(nil), hash[:]...), payload...)
		}
		newNumPages := uint32((pager.HeaderSize + len(payload) + pager.PageSize - 1) / pager.PageSize)
		if newNumPages == oldHdr.NumPages {
			flat := t.p.ModifyRange(pageNo, oldHdr.NumPages)
			copy(flat[pager.HeaderSize:pager.HeaderSize+len(payload)], payload)
			t.p.SetOverflowSize(pageNo, uint32(len(payload)))
			flags := pager.FlagOverflow | pager.FlagRawData
			if nb.IsCompressed() {
				flags |= pager.FlagCompressed
			}
			t.p.SetFlags(pageNo, flags)
			return id, 0, nil
		}
	}

	return t.deleteThenInsertStorage(id, nb)
}

// deleteThenInsertStorage frees id's old storage and places nb fresh,
// reporting the net change in overflow-page count.
func (t *Table) deleteThenInsertStorage(id uint64, nb *builder.Builder) (newID uint64, overflowPageDelta int64, err error) {
	var freedPages int64
	if id%pager.PageSize == 0 {
		freedPages = -int64(t.freeOverflow(id))
	} else {
		sec, err := t.sectionOwning(id)
		if err != nil {
			return 0, 0, err
		}
		if _, err := sec.Free(id); err != nil {
			return 0, 0, err
		}
	}

	newID, _, addedPages, err := t.place(nb)
	if err != nil {
		return 0, 0, err
	}
	return newID, freedPages + int64(addedPages), nil
}
