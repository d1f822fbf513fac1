package syncengine

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// newSeededRand builds a fast, non-cryptographic per-round source
// seeded from crypto/rand. Per-round inputs are public, so a
// cryptographic source is not required for them — only the seed needs
// to be unpredictable so two sessions don't share a sequence.
func newSeededRand() *rand.Rand {
	var seed [16]byte
	_, _ = crand.Read(seed[:])
	s1 := binary.LittleEndian.Uint64(seed[:8])
	s2 := binary.LittleEndian.Uint64(seed[8:])
	return rand.New(rand.NewPCG(s1, s2))
}
