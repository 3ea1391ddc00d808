// Package builder implements the "Table Value Builder" of §6/§9: a
// staging buffer for an entry's typed columns, optionally holding a
// compressed rendering, grounded on StoreMy's tuple representation
// (`pkg/tuple`) generalized with the compression lifecycle of §4.3.
package builder

import (
	"encoding/binary"
	"fmt"
)

// ColumnType tags the runtime type carried by a Value.
type ColumnType byte

const (
	Int64 ColumnType = iota
	Uint64
	Bytes
	String
)

// Value is one typed column of a row.
type Value struct {
	typ ColumnType
	i   uint64
	b   []byte
}

func Int64Value(v int64) Value    { return Value{typ: Int64, i: uint64(v)} }
func Uint64Value(v uint64) Value  { return Value{typ: Uint64, i: v} }
func BytesValue(v []byte) Value   { return Value{typ: Bytes, b: v} }
func StringValue(v string) Value  { return Value{typ: String, b: []byte(v)} }

func (v Value) Type() ColumnType { return v.typ }
func (v Value) Int64() int64     { return int64(v.i) }
func (v Value) Uint64() uint64   { return v.i }
func (v Value) Bytes() []byte    { return v.b }
func (v Value) String() string   { return string(v.b) }

// Row is an ordered list of typed columns, the unit both Insert/Update and
// the schema's index extractors operate on.
type Row []Value

// numericPayloadSize is the fixed width used to encode Int64/Uint64
// columns; kept constant-width (rather than varint) so range/value
// extraction can slice without decoding neighboring columns.
const numericPayloadSize = 8

// Encode renders r into its canonical, self-describing byte form: each
// column is `type(1) | payload`, numeric payloads fixed at 8 bytes,
// variable payloads prefixed with a uint32 length.
func (r Row) Encode() []byte {
	size := 0
	for _, v := range r {
		size += 1
		if v.typ == Int64 || v.typ == Uint64 {
			size += numericPayloadSize
		} else {
			size += 4 + len(v.b)
		}
	}
	out := make([]byte, size)
	off := 0
	for _, v := range r {
		out[off] = byte(v.typ)
		off++
		switch v.typ {
		case Int64, Uint64:
			binary.BigEndian.PutUint64(out[off:off+numericPayloadSize], v.i)
			off += numericPayloadSize
		default:
			binary.BigEndian.PutUint32(out[off:off+4], uint32(len(v.b)))
			off += 4
			copy(out[off:off+len(v.b)], v.b)
			off += len(v.b)
		}
	}
	return out
}

// Decode parses the form produced by Encode.
func Decode(data []byte) (Row, error) {
	var row Row
	off := 0
	for off < len(data) {
		if off+1 > len(data) {
			return nil, fmt.Errorf("builder: truncated row at column tag")
		}
		typ := ColumnType(data[off])
		off++
		switch typ {
		case Int64, Uint64:
			if off+numericPayloadSize > len(data) {
				return nil, fmt.Errorf("builder: truncated numeric column")
			}
			n := binary.BigEndian.Uint64(data[off : off+numericPayloadSize])
			off += numericPayloadSize
			row = append(row, Value{typ: typ, i: n})
		case Bytes, String:
			if off+4 > len(data) {
				return nil, fmt.Errorf("builder: truncated column length")
			}
			n := int(binary.BigEndian.Uint32(data[off : off+4]))
			off += 4
			if off+n > len(data) {
				return nil, fmt.Errorf("builder: truncated column payload")
			}
			row = append(row, Value{typ: typ, b: append([]byte(nil), data[off:off+n]...)})
			off += n
		default:
			return nil, fmt.Errorf("builder: unknown column type %d", typ)
		}
	}
	return row, nil
}
