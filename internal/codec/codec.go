// Package codec wraps the Zstandard compressor used by the table engine
// (§4.2/§4.3/§6 "Compression Codec"): plain compress/decompress, trained
// dictionaries, and dictionary training from sample spans.
//
// It is backed by github.com/dolthub/gozstd (cgo bindings over libzstd),
// the same compressor dolthub/dolt wires into its NBS chunk store.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/dolthub/gozstd"
)

// CDict is a trained dictionary prepared for compression.
type CDict struct{ impl *gozstd.CDict }

// DDict is a trained dictionary prepared for decompression.
type DDict struct{ impl *gozstd.DDict }

// NewCDict compiles dict for use as a compression dictionary.
func NewCDict(dict []byte) (*CDict, error) {
	d, err := gozstd.NewCDict(dict)
	if err != nil {
		return nil, fmt.Errorf("codec: compile compression dict: %w", err)
	}
	return &CDict{impl: d}, nil
}

// NewDDict compiles dict for use as a decompression dictionary.
func NewDDict(dict []byte) (*DDict, error) {
	d, err := gozstd.NewDDict(dict)
	if err != nil {
		return nil, fmt.Errorf("codec: compile decompression dict: %w", err)
	}
	return &DDict{impl: d}, nil
}

// envelopeHeader is the length of the length-prefix this package adds in
// front of every compressed stream it produces, so DecompressedSize can
// answer without touching the zstd frame (gozstd has no public API for
// querying a frame's declared content size in isolation).
const envelopeHeader = 4

// Compress appends the compressed form of src to dst and returns the
// result. When dict is non-nil the stream is compressed against it.
func Compress(dst, src []byte, dict *CDict) []byte {
	var compressed []byte
	if dict != nil {
		compressed = gozstd.CompressDict(nil, src, dict.impl)
	} else {
		compressed = gozstd.Compress(nil, src)
	}

	out := dst
	var header [envelopeHeader]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(src)))
	out = append(out, header[:]...)
	out = append(out, compressed...)
	return out
}

// Decompress appends the decompressed form of src to dst. When dict is
// non-nil, src is assumed to have been compressed against it.
func Decompress(dst, src []byte, dict *DDict) ([]byte, error) {
	want, body, err := splitEnvelope(src)
	if err != nil {
		return nil, err
	}

	var out []byte
	if dict != nil {
		out, err = gozstd.DecompressDict(nil, body, dict.impl)
	} else {
		out, err = gozstd.Decompress(nil, body)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("codec: decompressed size mismatch: want %d got %d", want, len(out))
	}
	return append(dst, out...), nil
}

// DecompressedSize reports the original, uncompressed length of a stream
// produced by Compress, without decompressing it.
func DecompressedSize(src []byte) (int, error) {
	want, _, err := splitEnvelope(src)
	return want, err
}

func splitEnvelope(src []byte) (size int, body []byte, err error) {
	if len(src) < envelopeHeader {
		return 0, nil, fmt.Errorf("codec: truncated compressed envelope")
	}
	return int(binary.BigEndian.Uint32(src[:envelopeHeader])), src[envelopeHeader:], nil
}

// MaxCompressedBound returns an upper bound on the compressed size
// (including this package's envelope) of an n-byte input.
func MaxCompressedBound(n int) int {
	return n + n/8 + 128 + envelopeHeader
}

// Train builds a dictionary of at most dictSize bytes from samples, the
// same BuildDict API dolt's NBS archiver uses to train per-table
// dictionaries.
func Train(samples [][]byte, dictSize int) []byte {
	return gozstd.BuildDict(samples, dictSize)
}
