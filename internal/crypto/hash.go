package crypto

import (
	"golang.org/x/crypto/blake2s"
)

// Hash is the BLAKE2s-256 of domain followed by parts. Every hash in the
// protocol is domain separated this way.
func Hash(domain string, parts ...[]byte) [32]byte {
	h, _ := blake2s.New256(nil) // only fails for oversized keys
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
