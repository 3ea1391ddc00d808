package table

import (
	"encoding/binary"

	"tablestore/internal/pager"
	"tablestore/internal/section"
	"tablestore/internal/vtree"
)

// compactionLowWater and compactionHighWater are the density thresholds
// §4.6 step 3 names: a freed, non-active section with density in
// (compactionLowWater, compactionHighWater] is promoted to
// ActiveCandidateSection; at or below compactionLowWater it is compacted
// away instead; above compactionHighWater it is left alone.
const (
	compactionLowWater  = 0.15
	compactionHighWater = 0.5
)

// Delete frees the entry at id, removing it from every index, and then
// applies §4.6 step 3's density bands to its owning section: deleting
// from the active section, or leaving density above compactionHighWater,
// never does anything further; a mid-density section is promoted to
// ActiveCandidateSection (at most once); a low-density section is
// compacted away.
func (t *Table) Delete(id uint64) error {
	if err := t.requireWritable("Delete"); err != nil {
		return err
	}

	row, err := t.readRowAt(id)
	if err != nil {
		return err
	}
	t.invalidate(id)

	var overflowPageDelta int64
	var doomed *section.Section

	if id%pager.PageSize == 0 {
		overflowPageDelta = -int64(t.freeOverflow(id))
	} else {
		sec, err := t.sectionOwning(id)
		if err != nil {
			return err
		}
		density, err := sec.Free(id)
		if err != nil {
			return err
		}
		if sec != t.active && density <= compactionHighWater {
			if density > compactionLowWater {
				if err := t.promoteToCandidate(sec); err != nil {
					return err
				}
			} else {
				doomed = sec
			}
		}
	}

	if err := t.deleteIndexes(row, id); err != nil {
		return err
	}

	s := t.readStats()
	if s.entries > 0 {
		s.entries--
	}
	if overflowPageDelta > 0 {
		s.overflowPages += uint64(overflowPageDelta)
	} else {
		s.overflowPages -= uint64(-overflowPageDelta)
	}
	if err := t.writeStats(s); err != nil {
		return err
	}

	if doomed != nil {
		if err := t.compactSection(doomed); err != nil {
			return err
		}
	}

	return nil
}

// promoteToCandidate moves sec's inactive page into ActiveCandidateSection,
// a no-op if it is already there (§8 "promotes to candidate exactly once").
func (t *Table) promoteToCandidate(sec *section.Section) error {
	candidates := t.readPageSet(slotCandidate)
	if candidates.contains(sec.HeaderPage()) {
		return nil
	}
	candidates.add(sec.HeaderPage())
	if err := t.writePageSet(slotCandidate, candidates); err != nil {
		return err
	}
	inactive := t.readPageSet(slotInactive)
	inactive.remove(sec.HeaderPage())
	return t.writePageSet(slotInactive, inactive)
}

// compactSection relocates every live entry out of doomed and releases
// its pages, implementing §4.6's compaction algorithm (§4.6 step 3). The
// relocation loop itself lives in internal/section.Section.Compact; the
// table only supplies the section.Relocator (Place/DataMoved, defined in
// relocate.go) that decides where an entry lands and keeps indexes
// consistent.
func (t *Table) compactSection(doomed *section.Section) error {
	inactive := t.readPageSet(slotInactive)
	inactive.remove(doomed.HeaderPage())
	if err := t.writePageSet(slotInactive, inactive); err != nil {
		return err
	}
	candidates := t.readPageSet(slotCandidate)
	candidates.remove(doomed.HeaderPage())
	if err := t.writePageSet(slotCandidate, candidates); err != nil {
		return err
	}

	t.compactionOverflowDelta = 0
	if err := doomed.Compact(t); err != nil {
		return err
	}

	if t.compactionOverflowDelta != 0 {
		s := t.readStats()
		if t.compactionOverflowDelta > 0 {
			s.overflowPages += uint64(t.compactionOverflowDelta)
		} else {
			s.overflowPages -= uint64(-t.compactionOverflowDelta)
		}
		if err := t.writeStats(s); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByKey deletes the entry whose primary key is key, reporting
// whether an entry was found (§6 "delete_by_key").
func (t *Table) DeleteByKey(key []byte) (bool, error) {
	blob, ok := t.primary.Get(key)
	if !ok {
		return false, nil
	}
	if err := t.Delete(decodeIDBytes(blob)); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteByIndex deletes the entry whose named fixed-size secondary index
// maps to value, reporting whether an entry was found (§6
// "delete_by_index").
func (t *Table) DeleteByIndex(indexName string, value uint64) (bool, error) {
	blob, ok := t.secFixed[indexName].Get(orderedKey(value))
	if !ok {
		return false, nil
	}
	if err := t.Delete(decodeIDBytes(blob)); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteByPrimaryPrefix deletes every entry whose primary key starts with
// prefix (§6 "delete_by_primary_prefix"). Each round re-seeks from the
// start of the prefix range rather than iterating and deleting
// concurrently, since Delete mutates the very tree being walked (§9
// "Iteration vs mutation").
func (t *Table) DeleteByPrimaryPrefix(prefix []byte) (deleted int, err error) {
	for {
		var hitID uint64
		found := false
		t.primary.Ascend(nil, prefix, 0, false, func(it vtree.Item) bool {
			hitID = decodeIDBytes(it.Value)
			found = true
			return false
		})
		if !found {
			return deleted, nil
		}
		if err := t.Delete(hitID); err != nil {
			return deleted, err
		}
		deleted++
	}
}

// DeleteForwardFrom deletes up to limit entries from the named variable
// secondary index in ascending key order, starting at start (§6
// "delete_forward_from"). limit <= 0 means unlimited.
func (t *Table) DeleteForwardFrom(indexName string, start []byte, limit int) (deleted int, err error) {
	return t.deleteAlongVariableIndex(indexName, start, limit, true)
}

// DeleteBackwardFrom deletes up to limit entries from the named variable
// secondary index in descending key order, starting at start (§6
// "delete_backward_from").
func (t *Table) DeleteBackwardFrom(indexName string, start []byte, limit int) (deleted int, err error) {
	return t.deleteAlongVariableIndex(indexName, start, limit, false)
}

// deleteAlongVariableIndex drains duplicate ids at each outer key before
// advancing to the next one. An outer key whose nested set has already
// emptied is skipped with exclude=true so the walk makes forward
// progress instead of relanding on it forever.
func (t *Table) deleteAlongVariableIndex(indexName string, start []byte, limit int, forward bool) (deleted int, err error) {
	outer := t.secondaryVar[indexName]
	exclude := false

	for limit <= 0 || deleted < limit {
		var hitKey []byte
		found := false
		visit := func(it vtree.Item) bool {
			hitKey = append([]byte(nil), it.Key...)
			found = true
			return false
		}
		if forward {
			outer.Ascend(start, nil, 0, exclude, visit)
		} else {
			outer.Descend(start, nil, 0, exclude, visit)
		}
		if !found {
			return deleted, nil
		}

		nested, ok, err := t.getNested(indexName, hitKey)
		if err != nil {
			return deleted, err
		}
		if !ok {
			start, exclude = hitKey, true
			continue
		}

		var oneID uint64
		gotID := false
		nested.Ascend(nil, nil, 0, false, func(it vtree.Item) bool {
			oneID = binary.BigEndian.Uint64(it.Key)
			gotID = true
			return false
		})
		if !gotID {
			start, exclude = hitKey, true
			continue
		}

		if err := t.Delete(oneID); err != nil {
			return deleted, err
		}
		deleted++
		start, exclude = hitKey, false
	}
	return deleted, nil
}
