// Package xhash computes the keyed 32-byte generic hash used throughout the
// engine: dictionary hashes (keyed by table name) and owner hashes (an
// unkeyed hash of the table name).
package xhash

import "github.com/codahale/blake2"

// Size is the fixed output length of Generic, in bytes.
const Size = 32

// Generic computes a keyed BLAKE2b hash of data. key may be nil or empty
// for an unkeyed hash.
func Generic(data, key []byte) [Size]byte {
	cfg := &blake2.Config{Size: uint8(Size)}
	if len(key) > 0 {
		cfg.Key = key
	}
	h, err := blake2.New(cfg)
	if err != nil {
		// Config.Size is a compile-time constant within blake2's accepted
		// range, so this can only fail on programmer error.
		panic(err)
	}
	h.Write(data)

	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// IsZero reports whether hash is the all-zero sentinel meaning "no
// dictionary" (§4.2).
func IsZero(hash [Size]byte) bool {
	for _, b := range hash {
		if b != 0 {
			return false
		}
	}
	return true
}
