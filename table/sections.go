package table

import (
	"fmt"

	"tablestore/internal/section"
)

// sectionOwning finds whichever of this table's tracked sections
// (active, inactive, or candidate) contains id, needed whenever an
// operation must act on an existing small entry without already knowing
// its section (§4.5 in-place update, §4.3 step 2 read path).
func (t *Table) sectionOwning(id uint64) (*section.Section, error) {
	if t.active != nil && t.active.Contains(id) {
		return t.active, nil
	}
	for _, page := range t.readPageSet(slotInactive).pages {
		s, err := section.Open(t.p, page)
		if err == nil && s.Contains(id) {
			return s, nil
		}
	}
	for _, page := range t.readPageSet(slotCandidate).pages {
		s, err := section.Open(t.p, page)
		if err == nil && s.Contains(id) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("table: %s: no tracked section owns id %d", t.schema.Name, id)
}
