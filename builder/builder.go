package builder

import (
	"tablestore/internal/assert"
	"tablestore/internal/codec"
	"tablestore/internal/xhash"
)

// DictHashSize is the length of a dictionary hash; it matches
// internal/xhash.Size.
const DictHashSize = 32

// Builder stages one row for storage, optionally compressing it against a
// section's active dictionary (§4.3).
type Builder struct {
	row        Row
	raw        []byte
	compressed []byte
	isCompressed bool
	dictHash   [DictHashSize]byte
}

// New stages row, eagerly encoding its canonical uncompressed form.
func New(row Row) *Builder {
	return &Builder{row: row, raw: row.Encode()}
}

// Row returns the original typed columns, e.g. for extracting index keys
// immediately after an insert without round-tripping through Encode/Decode.
func (b *Builder) Row() Row { return b.row }

// Raw returns the uncompressed encoded form.
func (b *Builder) Raw() []byte { return b.raw }

// TryCompression offers dict (tagged with dictHash) to the builder. If the
// compressed form is smaller than the raw form it is adopted and true is
// returned; otherwise the builder keeps its raw form (§4.3 step 1).
func (b *Builder) TryCompression(dict *codec.CDict, dictHash [DictHashSize]byte) bool {
	candidate := codec.Compress(nil, b.raw, dict)
	if len(candidate) >= len(b.raw) {
		return false
	}
	b.compressed = candidate
	b.isCompressed = true
	b.dictHash = dictHash
	return true
}

// ResetToRaw discards any previously adopted compressed form, e.g. when a
// candidate dictionary from a different section must be tried instead of
// the one the builder originally compressed against (§4.7 "may change the
// encoded form and size").
func (b *Builder) ResetToRaw() {
	b.compressed = nil
	b.isCompressed = false
	b.dictHash = [DictHashSize]byte{}
}

// IsCompressed reports whether the builder adopted a compressed rendering.
func (b *Builder) IsCompressed() bool { return b.isCompressed }

// DictionaryHash is the hash of the dictionary the compressed rendering
// (if any) was produced against.
func (b *Builder) DictionaryHash() [DictHashSize]byte { return b.dictHash }

// Size is the length of the form that will actually be stored.
func (b *Builder) Size() int {
	if b.isCompressed {
		return len(b.compressed)
	}
	return len(b.raw)
}

// CopyTo writes the builder's final form (compressed if adopted, else raw)
// into dst, which must be at least Size() bytes and must not alias any
// slice the builder itself was constructed from — checked only in debug
// builds (§4.5, §7 error kind 10).
func (b *Builder) CopyTo(dst []byte) int {
	src := b.raw
	if b.isCompressed {
		src = b.compressed
	}
	assert.NoAlias(dst, src)
	return copy(dst, src)
}

// CompressionRatioPercent reports src-to-compressed size as a percentage
// (higher is better), the unit §4.2/§4.3's "expected ratio" is expressed
// in.
func CompressionRatioPercent(rawSize, compressedSize int) int32 {
	if compressedSize <= 0 {
		return 0
	}
	return int32(rawSize * 100 / compressedSize)
}

// ShouldReplaceDictionary compresses the builder's raw form against
// candidate and reports whether the resulting ratio beats currentRatio by
// at least the 10% margin §4.3 requires before a dictionary is replaced.
func (b *Builder) ShouldReplaceDictionary(candidate *codec.CDict, currentRatio int32) (candidateRatio int32, should bool) {
	compressed := codec.Compress(nil, b.raw, candidate)
	candidateRatio = CompressionRatioPercent(len(b.raw), len(compressed))
	should = float64(candidateRatio) >= float64(currentRatio)*1.10
	return candidateRatio, should
}

// DictionaryHashFor computes the hash under which a trained dictionary's
// bytes are stored, keyed by the owning table's name (§4.3 step 3).
func DictionaryHashFor(dictBytes []byte, tableName string) [DictHashSize]byte {
	return xhash.Generic(dictBytes, []byte(tableName))
}

// Reader decodes a stored (already decompressed) entry back into its
// typed row, for read paths and compaction-time re-extraction of index
// keys.
type Reader struct {
	row Row
}

// NewReader decodes raw into a Reader.
func NewReader(raw []byte) (*Reader, error) {
	row, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return &Reader{row: row}, nil
}

// Row returns the decoded typed columns.
func (r *Reader) Row() Row { return r.row }

// Column returns the i'th decoded column.
func (r *Reader) Column(i int) Value { return r.row[i] }
