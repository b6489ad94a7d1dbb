package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/testutil"
)

func randomHashes(n int) [][32]byte {
	hashes := make([][32]byte, n)
	for i := range hashes {
		copy(hashes[i][:], testutil.RandomBytes(32))
	}
	return hashes
}

func TestMerkleEmpty(t *testing.T) {
	assert.Equal(t, [32]byte{}, Merkle(nil))
}

func TestMerkleShape(t *testing.T) {
	hashes := randomHashes(3)
	leaf := func(h [32]byte) [32]byte { return crypto.Hash("leaf_hash", h[:]) }
	branch := func(l, r [32]byte) [32]byte { return crypto.Hash("branch_hash", l[:], r[:]) }

	assert.Equal(t, leaf(hashes[0]), Merkle(hashes[:1]))
	assert.Equal(t, branch(leaf(hashes[0]), leaf(hashes[1])), Merkle(hashes[:2]))
	// The odd leaf is carried up as is
	assert.Equal(t, branch(branch(leaf(hashes[0]), leaf(hashes[1])), leaf(hashes[2])), Merkle(hashes))
}

func TestMerkleDeterministic(t *testing.T) {
	for n := 1; n < 10; n++ {
		hashes := randomHashes(n)
		root := Merkle(hashes)
		assert.Equal(t, root, Merkle(hashes))

		for i := range hashes {
			mutated := append([][32]byte(nil), hashes...)
			mutated[i][0] ^= 1
			assert.NotEqual(t, root, Merkle(mutated), "n=%d i=%d", n, i)
		}
	}
}
