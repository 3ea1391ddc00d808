package table

import (
	"tablestore/builder"
	"tablestore/internal/dictionary"
	"tablestore/internal/section"
)

// currentSectionDictionary returns the dictionary handle an entry should
// be offered for compression: the active section's current dictionary,
// or the empty sentinel when there is no active section yet or the
// schema isn't compressed (§4.3 step 1).
func (t *Table) currentSectionDictionary() (*dictionary.Handle, error) {
	if !t.schema.Compressed || t.active == nil {
		return t.holder.Get(t, [32]byte{})
	}
	return t.holder.Get(t, t.active.CurrentCompressionDictionaryHash())
}

// Insert stores row as a new entry and returns its storage id (§4.4).
func (t *Table) Insert(row builder.Row) (uint64, error) {
	if err := t.requireWritable("Insert"); err != nil {
		return 0, err
	}

	b := builder.New(row)
	if t.schema.Compressed {
		handle, err := t.currentSectionDictionary()
		if err != nil {
			return 0, err
		}
		if !handle.Empty() {
			b.TryCompression(handle.CDict, handle.Hash)
		}
	}

	id, sec, overflowPages, err := t.place(b)
	if err != nil {
		return 0, err
	}

	if err := t.insertIndexes(row, id); err != nil {
		if sec != nil {
			sec.Free(id)
		} else {
			t.freeOverflow(id)
		}
		return 0, err
	}

	s := t.readStats()
	s.entries++
	s.overflowPages += uint64(overflowPages)
	if err := t.writeStats(s); err != nil {
		return 0, err
	}

	return id, nil
}

// place routes b to a raw-data section or an overflow run depending on
// its encoded size, returning the section it landed in (nil, plus the
// page count, for an overflow run).
func (t *Table) place(b *builder.Builder) (id uint64, sec *section.Section, overflowPages uint32, err error) {
	if b.Size() <= maxSmallEntrySize {
		if t.active == nil {
			id, sec, err = t.allocateFromAnotherSection(b)
			if err != nil {
				return 0, nil, 0, err
			}
		} else if newID, ok := t.active.TryAllocate(b.Size()); ok {
			id, sec = newID, t.active
		} else {
			id, sec, err = t.allocateFromAnotherSection(b)
			if err != nil {
				return 0, nil, 0, err
			}
		}
		if err := sec.TryWriteDirect(id, finalForm(b), b.IsCompressed()); err != nil {
			return 0, nil, 0, err
		}
		if b.IsCompressed() {
			ratio := builder.CompressionRatioPercent(len(b.Raw()), b.Size())
			sec.RecordCompressionRatio(ratio)
		}
		return id, sec, 0, nil
	}

	payload := finalForm(b)
	if b.IsCompressed() {
		hash := b.DictionaryHash()
		payload = append(append([]byte(nil), hash[:]...), payload...)
	}
	id, pages, err := t.writeOverflow(payload, b.IsCompressed())
	if err != nil {
		return 0, nil, 0, err
	}
	return id, nil, pages, nil
}

func finalForm(b *builder.Builder) []byte {
	out := make([]byte, b.Size())
	b.CopyTo(out)
	return out
}

// Set inserts row if its primary key is new, otherwise updates the
// existing entry. It reports whether an insert happened (§6 "set").
func (t *Table) Set(row builder.Row) (inserted bool, id uint64, err error) {
	if err := t.requireWritable("Set"); err != nil {
		return false, 0, err
	}
	key := t.schema.Primary(row)
	if blob, ok := t.primary.Get(key); ok {
		oldID := decodeIDBytes(blob)
		newID, err := t.Update(oldID, row, false)
		return false, newID, err
	}
	newID, err := t.Insert(row)
	return true, newID, err
}
