package cipher

import (
	"encoding/base64"
	"testing"
)

func mustDecodeB64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustEncodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
