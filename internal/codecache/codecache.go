// Package codecache persists compiled code across processes.
package codecache

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
)

// ErrCorrupted is returned when a cache entry cannot be decoded.
var ErrCorrupted = errors.New("codecache: corrupted entry")

// Cache stores encoded entries by key.
//
// Since these methods are concurrently accessed, the implementations must be goroutine-safe.
type Cache interface {
	// Get returns the content passed to Add for key. ok is false with a nil error when the key is
	// not cached. The caller closes content.
	Get(key Key) (content io.ReadCloser, ok bool, err error)
	// Add stores content under key, replacing any previous entry.
	Add(key Key, content io.Reader) error
	// Delete purges key. Deleting a missing key is not an error.
	Delete(key Key) error
}

// Key is the 256-bit identifier of a cache entry.
type Key = [sha256.Size]byte

// NewKey hashes the engine version together with the parts that identify a compilation.
func NewKey(version string, parts ...[]byte) Key {
	h := sha256.New()
	h.Write([]byte(version))
	for _, p := range parts {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var ret Key
	h.Sum(ret[:0])
	return ret
}
