package webtorrent

import (
	"encoding/hex"
	"errors"
	"math"
)

// WebTorrent puts binary values like info hashes and peer IDs in JSON strings, one rune per byte.

// BinaryToJsonString encodes b as a JSON binary string.
func BinaryToJsonString(b []byte) string {
	var seq []rune
	for _, v := range b {
		seq = append(seq, rune(v))
	}
	return string(seq)
}

// Appends the bytes encoded in s to b. Fails if a rune doesn't fit in a byte.
func decodeJsonByteString(s string, b []byte) ([]byte, error) {
	for _, c := range s {
		if c < 0 || c > math.MaxUint8 {
			return b, errors.New("rune out of bytes range")
		}
		b = append(b, byte(c))
	}
	return b, nil
}

// BinaryStringHex renders a JSON binary string as hex for humans. Strings that aren't valid binary
// strings are rendered from their UTF-8 bytes instead.
func BinaryStringHex(s string) string {
	b, err := decodeJsonByteString(s, nil)
	if err != nil {
		return hex.EncodeToString([]byte(s))
	}
	return hex.EncodeToString(b)
}
