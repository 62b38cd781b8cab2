package hooks

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

const (
	hexLower = "0123456789abcdef"
	hexUpper = "0123456789ABCDEF"
	alphaLow = "abcdefghijklmnopqrstuvwxyz"
	alphaUp  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// RegenerateID returns a fresh random id with the same shape as id. UUIDs
// become new UUIDs; anything else keeps its length, separators and the
// character class of every position.
func RegenerateID(id string) string {
	if len(id) == 36 {
		if _, err := uuid.Parse(id); err == nil {
			fresh := uuid.NewString()
			if upperHex(id) {
				fresh = strings.ToUpper(fresh)
			}
			return fresh
		}
	}

	upper := upperHex(id)
	out := []byte(id)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case isHexChar(c):
			if upper {
				out[i] = pick(hexUpper)
			} else {
				out[i] = pick(hexLower)
			}
		case c >= 'g' && c <= 'z':
			out[i] = pick(alphaLow)
		case c >= 'G' && c <= 'Z':
			out[i] = pick(alphaUp)
		}
	}
	return string(out)
}

// upperHex reports whether the id writes hex letters in upper case.
func upperHex(id string) bool {
	var lower, upper int
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'f':
			lower++
		case c >= 'A' && c <= 'F':
			upper++
		}
	}
	return upper > lower
}

func isHexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// pick returns a uniformly random byte of alphabet.
func pick(alphabet string) byte {
	n := len(alphabet)
	limit := 256 - 256%n
	var b [1]byte
	for {
		rand.Read(b[:])
		if int(b[0]) < limit {
			return alphabet[int(b[0])%n]
		}
	}
}
