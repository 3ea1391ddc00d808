package table

import (
	"sort"

	"tablestore/builder"
	"tablestore/dberr"
	"tablestore/internal/arena"
	"tablestore/internal/codec"
	"tablestore/internal/dictionary"
	"tablestore/internal/section"
	"tablestore/internal/xhash"
)

// initialSectionPages is the size of the very first section a table
// creates, before any doubling has happened.
const initialSectionPages = 16

// trainingCorpusCap bounds the total bytes sampled from a retiring section
// when assembling material to train a replacement dictionary (§4.3).
const trainingCorpusCap = 512 * 1024

// trainedDictionarySize is the target size of a freshly trained
// dictionary (§4.3 "target size 4 KiB").
const trainedDictionarySize = 4 * 1024

// allocateFromAnotherSection implements §4.7: the current active section
// (if any) is retired to InactiveSections, a matching candidate section is
// reused if one exists, and otherwise a fresh, possibly larger section is
// created — retraining the compression dictionary along the way when
// warranted. b may be recompressed against whichever dictionary the
// eventual section carries.
func (t *Table) allocateFromAnotherSection(b *builder.Builder) (id uint64, sec *section.Section, err error) {
	oldActive := t.active

	if oldActive != nil {
		inactive := t.readPageSet(slotInactive)
		inactive.add(oldActive.HeaderPage())
		if err := t.writePageSet(slotInactive, inactive); err != nil {
			return 0, nil, err
		}
	}

	candidates := t.readPageSet(slotCandidate)
	sort.Slice(candidates.pages, func(i, j int) bool { return candidates.pages[i] < candidates.pages[j] })

	for _, page := range candidates.pages {
		cand, err := section.Open(t.p, page)
		if err != nil {
			continue
		}
		if b.IsCompressed() && cand.CurrentCompressionDictionaryHash() != b.DictionaryHash() {
			continue
		}
		if newID, ok := cand.TryAllocate(b.Size()); ok {
			candidates.remove(page)
			if err := t.writePageSet(slotCandidate, candidates); err != nil {
				return 0, nil, err
			}
			if err := t.writeActiveSectionPage(page); err != nil {
				return 0, nil, err
			}
			t.active = cand
			return newID, cand, nil
		}
	}

	newHash, err := t.maybeTrainDictionary(b, oldActive)
	if err != nil {
		return 0, nil, err
	}
	if t.schema.Compressed && newHash != b.DictionaryHash() {
		if err := t.recompressAgainst(b, newHash); err != nil {
			return 0, nil, err
		}
	}

	pages := uint32(initialSectionPages)
	if oldActive != nil {
		pages = oldActive.NumPages() * 2
	}
	if cap := t.maxSectionPages(); pages > cap {
		pages = cap
	}

	newSec, err := section.Create(t.p, pages, t.ownerHash, t.schema.TableType)
	if err != nil {
		return 0, nil, err
	}
	if t.schema.Compressed {
		newSec.SetDictionary(newHash)
	}
	if err := t.writeActiveSectionPage(newSec.HeaderPage()); err != nil {
		return 0, nil, err
	}
	t.active = newSec

	newID, ok := newSec.TryAllocate(b.Size())
	if !ok {
		e := dberr.New(dberr.CategorySystem, dberr.CodeAllocationFailed, "allocation failed after active-section switch")
		e.Operation, e.Component = "AllocateFromAnotherSection", "Table"
		return 0, nil, e
	}
	return newID, newSec, nil
}

// recompressAgainst discards b's current compressed form and, unless hash
// is the "no dictionary" sentinel, retries compression against hash's
// dictionary.
func (t *Table) recompressAgainst(b *builder.Builder, hash [32]byte) error {
	b.ResetToRaw()
	if xhash.IsZero(hash) {
		return nil
	}
	handle, err := t.holder.Get(t, hash)
	if err != nil {
		return err
	}
	b.TryCompression(handle.CDict, hash)
	return nil
}

// maybeTrainDictionary decides the compression dictionary hash a freshly
// created section should carry (§4.3 "Dictionary replacement"). Returns
// the all-zero hash when the schema isn't compressed or there is no
// previous section to train from.
func (t *Table) maybeTrainDictionary(b *builder.Builder, oldActive *section.Section) ([32]byte, error) {
	var zero [32]byte
	if !t.schema.Compressed || oldActive == nil {
		return zero, nil
	}

	currentHash := oldActive.CurrentCompressionDictionaryHash()
	currentRatio := oldActive.MinCompressionRatio()

	var expectedRatio int32
	if !xhash.IsZero(currentHash) {
		handle, err := t.holder.Get(t, currentHash)
		if err != nil {
			return zero, err
		}
		expectedRatio = handle.ExpectedRatio
		if currentRatio+10 >= expectedRatio {
			return currentHash, nil
		}
	}

	scope := t.arena.Open()
	defer scope.Release()

	samples, err := t.collectTrainingCorpus(scope, oldActive, currentHash)
	if err != nil || len(samples) == 0 {
		return currentHash, nil
	}

	dictBytes := codec.Train(samples, trainedDictionarySize)
	if len(dictBytes) == 0 {
		return currentHash, nil
	}

	candidate, err := codec.NewCDict(dictBytes)
	if err != nil {
		return currentHash, nil
	}
	candidateRatio, should := b.ShouldReplaceDictionary(candidate, currentRatio)
	if !should {
		return currentHash, nil
	}

	newHash := builder.DictionaryHashFor(dictBytes, t.schema.Name)
	if err := t.storeDictionary(newHash, candidateRatio, dictBytes); err != nil {
		return currentHash, err
	}
	return newHash, nil
}

// collectTrainingCorpus gathers up to trainingCorpusCap bytes of decoded
// (decompressed, if needed) entries from a section about to be retired,
// for use as dictionary-training samples. Every sample is a copy: raw
// entries are copied into scope-owned memory and decompressed entries are
// the codec's own freshly allocated output, because DirectRead's raw slice
// is a direct view into the pager's mapped pages, which must not outlive
// this collection pass.
func (t *Table) collectTrainingCorpus(scope *arena.Scope, sec *section.Section, currentHash [32]byte) ([][]byte, error) {
	var handle *dictionary.Handle
	if !xhash.IsZero(currentHash) {
		h, err := t.holder.Get(t, currentHash)
		if err != nil {
			return nil, err
		}
		handle = h
	}

	var samples [][]byte
	total := 0
	for _, id := range sec.GetAllIDs() {
		if total >= trainingCorpusCap {
			break
		}
		raw, compressed, err := section.DirectRead(t.p, id)
		if err != nil {
			continue
		}
		sample := scope.FromPtr(raw)
		if compressed && handle != nil {
			decoded, err := decompressWith(raw, handle)
			if err != nil {
				continue
			}
			sample = decoded
		}
		if total+len(sample) > trainingCorpusCap {
			sample = sample[:trainingCorpusCap-total]
		}
		samples = append(samples, sample)
		total += len(sample)
	}
	return samples, nil
}
