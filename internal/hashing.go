package internal

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Hash128 returns the 16-byte XXH3-128 digest of the concatenated inputs.
// Fast enough to key a cache on every lookup.
func Hash128(inputs ...[]byte) []byte {
	h := xxh3.New()
	for _, input := range inputs {
		// the hasher never returns an error
		_, _ = h.Write(input)
	}
	sum := h.Sum128()
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], sum.Lo)
	binary.LittleEndian.PutUint64(b[8:16], sum.Hi)
	return b
}
