// Package schema implements the "Table Schema" of §3/§9: the declared
// shape of a table — its primary key, secondary indexes, table-type byte,
// and compression flag — grounded on StoreMy's fluent
// `pkg/catalog/schema` builder, generalized to the index-kind variants
// §9's "Dynamic dispatch on schema-extracted slices" design note calls
// for.
package schema

import (
	"encoding/binary"
	"fmt"

	"tablestore/builder"
)

// VarExtractor derives a variable-length index key from a row. Used by the
// primary index and secondary variable-key indexes.
type VarExtractor func(builder.Row) []byte

// FixedExtractor derives a 64-bit index key from a row. Used by secondary
// fixed-key indexes.
type FixedExtractor func(builder.Row) uint64

// ByColumnRange builds a VarExtractor concatenating the encoded form of
// count consecutive columns starting at start (§9 "by-column-range").
func ByColumnRange(start, count int) VarExtractor {
	return func(row builder.Row) []byte {
		return builder.Row(row[start : start+count]).Encode()
	}
}

// ByColumnValueBytes builds a VarExtractor returning a single column's raw
// bytes (§9 "by-column-value" specialized to a variable-key index).
func ByColumnValueBytes(column int) VarExtractor {
	return func(row builder.Row) []byte {
		v := row[column]
		if v.Type() == builder.Int64 || v.Type() == builder.Uint64 {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v.Uint64())
			return buf[:]
		}
		return v.Bytes()
	}
}

// ByColumnValue builds a FixedExtractor reading a numeric column as a
// 64-bit key (§9 "by-column-value").
func ByColumnValue(column int) FixedExtractor {
	return func(row builder.Row) uint64 {
		return row[column].Uint64()
	}
}

// IndexSpec describes one secondary index. Exactly one of Var or Fixed is
// set, matching whether the index is a secondary variable-key B-tree or a
// secondary fixed-key tree (§3).
type IndexSpec struct {
	Name  string
	Var   VarExtractor
	Fixed FixedExtractor
}

// IsFixed reports whether this index resolves to a fixed 64-bit key.
func (s IndexSpec) IsFixed() bool { return s.Fixed != nil }

// Column names and types a table's rows are validated against on schema
// comparison (§7 kind 1, "schema mismatch").
type Column struct {
	Name string
	Type builder.ColumnType
}

// Schema is a table's declared, on-disk-validated shape.
type Schema struct {
	Name       string
	TableType  byte
	Compressed bool
	Columns    []Column
	Primary    VarExtractor
	Secondary  []IndexSpec
}

// Encode renders a canonical form of the schema suitable for storing in
// the table root's Schemas slot and comparing against on open (§6 "validate
// schema against on-disk schema"). Extractor functions are identity,
// not encoded — the caller must supply the same Builder-constructed Schema
// on every open; only the structural shape (name, type, columns, index
// names/kinds) is compared.
func (s *Schema) Encode() []byte {
	out := []byte{s.TableType, boolByte(s.Compressed)}
	out = appendLenPrefixed(out, []byte(s.Name))

	var colCount [4]byte
	binary.BigEndian.PutUint32(colCount[:], uint32(len(s.Columns)))
	out = append(out, colCount[:]...)
	for _, c := range s.Columns {
		out = append(out, byte(c.Type))
		out = appendLenPrefixed(out, []byte(c.Name))
	}

	var idxCount [4]byte
	binary.BigEndian.PutUint32(idxCount[:], uint32(len(s.Secondary)))
	out = append(out, idxCount[:]...)
	for _, idx := range s.Secondary {
		out = append(out, boolByte(idx.IsFixed()))
		out = appendLenPrefixed(out, []byte(idx.Name))
	}
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendLenPrefixed(dst, src []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(src)))
	dst = append(dst, n[:]...)
	return append(dst, src...)
}

// Matches reports whether s and other describe the same structural shape,
// for validating a requested schema against the one already persisted in a
// table root (§7 kind 1).
func (s *Schema) Matches(other *Schema) bool {
	if s.Name != other.Name || s.TableType != other.TableType || s.Compressed != other.Compressed {
		return false
	}
	if len(s.Columns) != len(other.Columns) || len(s.Secondary) != len(other.Secondary) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	for i := range s.Secondary {
		if s.Secondary[i].Name != other.Secondary[i].Name {
			return false
		}
		if s.Secondary[i].IsFixed() != other.Secondary[i].IsFixed() {
			return false
		}
	}
	return true
}

// Builder fluently assembles a Schema.
type Builder struct {
	s   Schema
	err error
}

// NewBuilder starts building a schema named name.
func NewBuilder(name string, tableType byte) *Builder {
	return &Builder{s: Schema{Name: name, TableType: tableType}}
}

// Compressed marks the table for dictionary compression (§4.3).
func (b *Builder) Compressed() *Builder {
	b.s.Compressed = true
	return b
}

// Column declares one column of the row shape.
func (b *Builder) Column(name string, typ builder.ColumnType) *Builder {
	b.s.Columns = append(b.s.Columns, Column{Name: name, Type: typ})
	return b
}

// PrimaryKey declares the primary index's key extractor. Required.
func (b *Builder) PrimaryKey(extract VarExtractor) *Builder {
	b.s.Primary = extract
	return b
}

// SecondaryVariable adds a secondary variable-key index.
func (b *Builder) SecondaryVariable(name string, extract VarExtractor) *Builder {
	b.s.Secondary = append(b.s.Secondary, IndexSpec{Name: name, Var: extract})
	return b
}

// SecondaryFixed adds a secondary fixed-key index.
func (b *Builder) SecondaryFixed(name string, extract FixedExtractor) *Builder {
	b.s.Secondary = append(b.s.Secondary, IndexSpec{Name: name, Fixed: extract})
	return b
}

// Build finalizes the schema, failing if required fields are missing.
func (b *Builder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.s.Name == "" {
		return nil, fmt.Errorf("schema: name is required")
	}
	if b.s.Primary == nil {
		return nil, fmt.Errorf("schema: %s: primary key extractor is required", b.s.Name)
	}
	s := b.s
	return &s, nil
}
