package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives a deterministic cache key from normalized request
// parts. Parts are length-prefixed before hashing so ("ab","c") and
// ("a","bc") produce distinct keys.
func Fingerprint(parts ...string) string {
	h := xxhash.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(p)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
