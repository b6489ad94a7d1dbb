package chain

import "github.com/edgedlt/tributary/internal/crypto"

// Merkle computes the root of a binary merkle tree over hashes.
//
// An odd node at any level is carried up unmodified. The empty tree has the
// all-zero root.
func Merkle(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}

	level := make([][32]byte, len(hashes))
	for i, h := range hashes {
		level[i] = crypto.Hash("leaf_hash", h[:])
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, crypto.Hash("branch_hash", level[i][:], level[i+1][:]))
		}
		level = next
	}
	return level[0]
}
