package table

import (
	"fmt"

	"tablestore/internal/codec"
	"tablestore/internal/dictionary"
	"tablestore/internal/pager"
	"tablestore/internal/section"
)

// writeOverflow allocates a fresh overflow run and writes payload into it.
// When compressed, payload's first dictionary.HashSize bytes must already
// be the dictionary hash, per §4.3 step 2's large-entry layout.
func (t *Table) writeOverflow(payload []byte, compressed bool) (id uint64, numPages uint32, err error) {
	flags := pager.FlagOverflow | pager.FlagRawData
	if compressed {
		flags |= pager.FlagCompressed
	}
	total := pager.HeaderSize + len(payload)
	numPages = uint32((total + pager.PageSize - 1) / pager.PageSize)

	pageNo, buf, err := t.p.Alloc(numPages, flags, t.ownerHash, t.schema.TableType)
	if err != nil {
		return 0, 0, fmt.Errorf("table: %s: allocate overflow run: %w", t.schema.Name, err)
	}
	copy(buf[pager.HeaderSize:pager.HeaderSize+len(payload)], payload)
	t.p.SetOverflowSize(pageNo, uint32(len(payload)))

	return uint64(pageNo) * pager.PageSize, numPages, nil
}

// readOverflow decodes the overflow run whose header page is id/PageSize.
func (t *Table) readOverflow(id uint64) (payload []byte, compressed bool, err error) {
	pageNo := uint32(id / pager.PageSize)
	hdr := t.p.Header(pageNo)
	if hdr.OwnerHash != t.ownerHash {
		return nil, false, fmt.Errorf("table: %s: overflow run at page %d is owned by a different table", t.schema.Name, pageNo)
	}
	flat := t.p.ModifyRange(pageNo, hdr.NumPages)
	payload = flat[pager.HeaderSize : pager.HeaderSize+hdr.OverflowSize]
	compressed = hdr.Flags&pager.FlagCompressed != 0
	return payload, compressed, nil
}

func (t *Table) freeOverflow(id uint64) uint32 {
	pageNo := uint32(id / pager.PageSize)
	hdr := t.p.Header(pageNo)
	t.p.Free(pageNo, hdr.NumPages)
	return hdr.NumPages
}

// decodeEntry resolves id to its decompressed, decoded row bytes,
// routing through the small-entry or overflow path and, when compressed,
// through the appropriate dictionary (§4.3 step 2, §4.8 "Decompression
// caching").
func (t *Table) decodeEntry(id uint64) ([]byte, error) {
	if raw, ok := t.decompressed[id]; ok {
		return raw, nil
	}

	var raw []byte
	var compressed bool
	var dictHash [dictionary.HashSize]byte

	if id%pager.PageSize == 0 {
		payload, c, err := t.readOverflow(id)
		if err != nil {
			return nil, err
		}
		compressed = c
		if compressed {
			copy(dictHash[:], payload[:dictionary.HashSize])
			raw = payload[dictionary.HashSize:]
		} else {
			raw = payload
		}
	} else {
		data, c, err := section.DirectRead(t.p, id)
		if err != nil {
			return nil, err
		}
		compressed = c
		raw = data
		if compressed {
			dictHash = t.activeDictionaryHashFor(id)
		}
	}

	if !compressed {
		out := append([]byte(nil), raw...)
		t.decompressed[id] = out
		return out, nil
	}

	handle, err := t.holder.Get(t, dictHash)
	if err != nil {
		return nil, fmt.Errorf("table: %s: resolve dictionary for id %d: %w", t.schema.Name, id, err)
	}
	decoded, err := decompressWith(raw, handle)
	if err != nil {
		return nil, fmt.Errorf("table: %s: decompress id %d: %w", t.schema.Name, id, err)
	}
	t.decompressed[id] = decoded
	return decoded, nil
}

// activeDictionaryHashFor returns the dictionary hash of the section that
// owns id (§4.3 step 2: "for small entries the containing section's hash
// is authoritative").
func (t *Table) activeDictionaryHashFor(id uint64) [dictionary.HashSize]byte {
	if t.active != nil && t.active.Contains(id) {
		return t.active.CurrentCompressionDictionaryHash()
	}
	for _, page := range t.readPageSet(slotInactive).pages {
		if s, err := section.Open(t.p, page); err == nil && s.Contains(id) {
			return s.CurrentCompressionDictionaryHash()
		}
	}
	for _, page := range t.readPageSet(slotCandidate).pages {
		if s, err := section.Open(t.p, page); err == nil && s.Contains(id) {
			return s.CurrentCompressionDictionaryHash()
		}
	}
	return [dictionary.HashSize]byte{}
}

// decompressWith decompresses raw against handle's decompression side.
// The empty-dictionary sentinel carries a nil DDict, which codec.Decompress
// treats as "no dictionary".
func decompressWith(raw []byte, handle *dictionary.Handle) ([]byte, error) {
	return codec.Decompress(nil, raw, handle.DDict)
}
