package tributary

import (
	"fmt"
	"testing"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/internal/testutil"
	"github.com/edgedlt/tributary/tendermint"
)

func benchCommit(b *testing.B, n int) (*Validators, tendermint.BlockID, *tendermint.Commit) {
	b.Helper()
	genesis := testutil.NewGenesis()
	keys := testutil.NewKeys(n)
	weights := make([]uint64, n)
	for i := range weights {
		weights[i] = 1
	}
	validators, err := NewValidators(genesis, weightsOf(keys, weights...))
	if err != nil {
		b.Fatal(err)
	}

	id := tendermint.BlockID(testutil.NewGenesis())
	commit := &tendermint.Commit{EndTime: 1000}
	for _, key := range keys[:n*2/3+1] {
		s := newSigner(genesis, key, validators)
		commit.Validators = append(commit.Validators, key.Public())
		commit.Signatures = append(commit.Signatures, s.Sign(tendermint.CommitMessage(commit.EndTime, id)))
	}
	return validators, id, commit
}

// BenchmarkCommitVerification measures verifying a threshold of precommit
// signatures, which every added block requires.
func BenchmarkCommitVerification(b *testing.B) {
	for _, n := range []int{4, 7, 10, 22} {
		b.Run(fmt.Sprintf("%dValidators", n), func(b *testing.B) {
			validators, id, commit := benchCommit(b, n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if !tendermint.VerifyCommit(validators, validators, id, commit) {
					b.Fatal("commit didn't verify")
				}
			}
		})
	}
}

func BenchmarkCommitSerialization(b *testing.B) {
	_, _, commit := benchCommit(b, 22)
	data := commit.Bytes()

	b.Run("Encode", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = commit.Bytes()
		}
	})
	b.Run("Decode", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := tendermint.DecodeCommit(data); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkProposerSelection(b *testing.B) {
	keys := testutil.NewKeys(100)
	weights := make([]uint64, len(keys))
	for i := range weights {
		weights[i] = uint64(1 + i%20)
	}
	validators, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, weights...))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = validators.Proposer(uint64(i), uint32(i%4))
	}
}

// BenchmarkConsensusMessage measures what a received vote costs before it
// reaches the machine: decoding and signature verification.
func BenchmarkConsensusMessage(b *testing.B) {
	genesis := testutil.NewGenesis()
	keys := testutil.NewKeys(4)
	validators, err := NewValidators(genesis, weightsOf(keys, 1, 1, 1, 1))
	if err != nil {
		b.Fatal(err)
	}
	s := newSigner(genesis, keys[1], validators)

	id := tendermint.BlockID(testutil.NewGenesis())
	sm := &tendermint.SignedMessage{Msg: tendermint.Message{
		Sender: keys[1].Public(),
		Block:  1,
		Data:   tendermint.Prevote(&id),
	}}
	sm.Sig = s.Sign(sm.Msg.Bytes())
	data := sm.Bytes()

	b.Run("Sign", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = s.Sign(sm.Msg.Bytes())
		}
	})
	b.Run("DecodeAndVerify", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			decoded, err := tendermint.DecodeSignedMessage(data, chain.ReadSerializedBlock)
			if err != nil {
				b.Fatal(err)
			}
			if !decoded.VerifySignature(validators) {
				b.Fatal("signature didn't verify")
			}
		}
	})
}
