package tpm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func deriveKey(serialized []byte, length int) []byte {
	sum := sha256.Sum256(serialized)
	if length > len(sum) {
		length = len(sum)
	}
	out := make([]byte, length)
	copy(out, sum[:length])
	return out
}

// Fingerprint returns the upper-case hex of the first 4 bytes of
// SHA-256(key). Both the TPM key and the derived Cipher key share this
// contract so a party can display a short, human-comparable identifier
// without exposing the key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}
