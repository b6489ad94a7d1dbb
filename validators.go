package tributary

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"slices"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/tendermint"
)

// MaxTotalWeight bounds the total weight of a validator set. Every unit of
// weight is one slot in the proposer rotation.
const MaxTotalWeight = 1 << 16

// Validators is the weighted validator set of one chain. It implements
// tendermint.Weights and tendermint.SignatureScheme.
type Validators struct {
	genesis [32]byte
	total   uint64
	weights map[crypto.PublicKey]uint64
	sorted  []crypto.PublicKey

	// Each validator appears once per unit of weight, shuffled
	robin []crypto.PublicKey
}

var (
	_ tendermint.Weights         = (*Validators)(nil)
	_ tendermint.SignatureScheme = (*Validators)(nil)
)

// NewValidators creates the validator set for genesis.
//
// The proposer rotation is shuffled with a seed derived from the genesis and
// the weighted set, so every node derives the same rotation.
func NewValidators(genesis [32]byte, weights map[crypto.PublicKey]uint64) (*Validators, error) {
	if len(weights) == 0 {
		return nil, wrapConfig("validators are required")
	}

	v := &Validators{
		genesis: genesis,
		weights: make(map[crypto.PublicKey]uint64, len(weights)),
		sorted:  make([]crypto.PublicKey, 0, len(weights)),
	}
	for validator, weight := range weights {
		if weight == 0 {
			return nil, wrapConfigf("validator %s has no weight", validator)
		}
		if weight > MaxTotalWeight || v.total+weight > MaxTotalWeight {
			return nil, wrapConfigf("total weight exceeds %d", MaxTotalWeight)
		}
		v.total += weight
		v.weights[validator] = weight
		v.sorted = append(v.sorted, validator)
	}
	slices.SortFunc(v.sorted, func(a, b crypto.PublicKey) int {
		return bytes.Compare(a[:], b[:])
	})

	parts := make([][]byte, 0, 1+2*len(v.sorted))
	parts = append(parts, genesis[:])
	v.robin = make([]crypto.PublicKey, 0, v.total)
	for _, validator := range v.sorted {
		weight := v.weights[validator]
		parts = append(parts, validator[:], binary.LittleEndian.AppendUint64(nil, weight))
		for range weight {
			v.robin = append(v.robin, validator)
		}
	}
	seed := crypto.Hash("Tributary Robin", parts...)
	rng := rand.New(rand.NewChaCha8(seed))
	rng.Shuffle(len(v.robin), func(i, j int) {
		v.robin[i], v.robin[j] = v.robin[j], v.robin[i]
	})
	return v, nil
}

// TotalWeight implements tendermint.Weights.
func (v *Validators) TotalWeight() uint64 {
	return v.total
}

// Weight implements tendermint.Weights. Non-validators have no weight.
func (v *Validators) Weight(validator tendermint.ValidatorID) uint64 {
	return v.weights[validator]
}

// Proposer implements tendermint.Weights.
//
// Round zero walks the rotation by block. Later rounds are offset by half
// the rotation, so a faulty proposer isn't immediately followed by the
// proposer of the next block.
func (v *Validators) Proposer(block uint64, round uint32) tendermint.ValidatorID {
	n := uint64(len(v.robin))
	offset := uint64(0)
	if round != 0 {
		offset = uint64(round) + n/2
	}
	return v.robin[(block%n+offset%n)%n]
}

// Verify implements tendermint.SignatureScheme. Only validators' signatures
// verify.
func (v *Validators) Verify(validator tendermint.ValidatorID, msg []byte, sig tendermint.Signature) bool {
	if _, ok := v.weights[validator]; !ok {
		return false
	}
	return crypto.Verify(validator, signatureMessage(v.genesis, msg), sig)
}

// Participants returns the validators sorted by key.
func (v *Validators) Participants() []crypto.PublicKey {
	return slices.Clone(v.sorted)
}

// Len is the number of distinct validators.
func (v *Validators) Len() int {
	return len(v.sorted)
}

// signatureMessage binds msg to one chain, so a validator of several chains
// can't have its messages replayed across them.
func signatureMessage(genesis [32]byte, msg []byte) []byte {
	hash := crypto.Hash("Tributary Signature", genesis[:], msg)
	return hash[:]
}

// signer signs messages for one chain. It implements tendermint.Signer and
// chain.VoteSigner.
type signer struct {
	genesis   [32]byte
	key       *crypto.PrivateKey
	validator bool
}

func newSigner(genesis [32]byte, key *crypto.PrivateKey, validators *Validators) *signer {
	return &signer{
		genesis:   genesis,
		key:       key,
		validator: validators.Weight(key.Public()) != 0,
	}
}

func (s *signer) ValidatorID() (tendermint.ValidatorID, bool) {
	return s.key.Public(), s.validator
}

func (s *signer) Public() crypto.PublicKey {
	return s.key.Public()
}

func (s *signer) Sign(msg []byte) crypto.Signature {
	return s.key.Sign(signatureMessage(s.genesis, msg))
}
