package tributary

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/testutil"
)

func weightsOf(keys []*crypto.PrivateKey, weights ...uint64) map[crypto.PublicKey]uint64 {
	m := make(map[crypto.PublicKey]uint64, len(keys))
	for i, key := range keys {
		m[key.Public()] = weights[i%len(weights)]
	}
	return m
}

func TestNewValidatorsErrors(t *testing.T) {
	keys := testutil.NewKeys(2)
	tests := []struct {
		name    string
		weights map[crypto.PublicKey]uint64
	}{
		{name: "Empty", weights: map[crypto.PublicKey]uint64{}},
		{name: "ZeroWeight", weights: weightsOf(keys, 1, 0)},
		{name: "SingleOverweight", weights: weightsOf(keys[:1], MaxTotalWeight+1)},
		{name: "TotalOverweight", weights: weightsOf(keys, MaxTotalWeight/2+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidators(testutil.NewGenesis(), tt.weights)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}

	_, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, MaxTotalWeight/2))
	require.NoError(t, err, "the maximum total weight is allowed")
}

func TestValidatorsWeights(t *testing.T) {
	keys := testutil.NewKeys(3)
	v, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, 1, 2, 3))
	require.NoError(t, err)

	assert.Equal(t, uint64(6), v.TotalWeight())
	assert.Equal(t, 3, v.Len())
	for i, key := range keys {
		assert.Equal(t, uint64(i+1), v.Weight(key.Public()))
	}
	assert.Zero(t, v.Weight(testutil.NewKey().Public()))

	// Every unit of weight is one proposer slot
	counts := make(map[crypto.PublicKey]uint64)
	for block := range v.TotalWeight() {
		counts[v.Proposer(block, 0)]++
	}
	for i, key := range keys {
		assert.Equal(t, uint64(i+1), counts[key.Public()])
	}
}

func TestValidatorsDeterministic(t *testing.T) {
	genesis := testutil.NewGenesis()
	keys := testutil.NewKeys(8)
	a, err := NewValidators(genesis, weightsOf(keys, 1, 3))
	require.NoError(t, err)
	b, err := NewValidators(genesis, weightsOf(keys, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, a.robin, b.robin)
	assert.Equal(t, a.Participants(), b.Participants())

	other, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, 1, 3))
	require.NoError(t, err)
	assert.ElementsMatch(t, a.robin, other.robin)
}

func TestValidatorsProposer(t *testing.T) {
	keys := testutil.NewKeys(5)
	v, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, 1))
	require.NoError(t, err)
	n := uint64(len(v.robin))

	for block := uint64(1); block < 20; block++ {
		assert.Equal(t, v.robin[block%n], v.Proposer(block, 0))
		for round := uint32(1); round < 7; round++ {
			assert.Equal(t, v.robin[(block+uint64(round)+n/2)%n], v.Proposer(block, round))
		}
	}

	// A faulty proposer isn't the next proposer after round zero times out
	for block := uint64(1); block < 20; block++ {
		assert.NotEqual(t, v.Proposer(block, 0), v.Proposer(block, 1))
	}
}

func TestValidatorsParticipants(t *testing.T) {
	keys := testutil.NewKeys(6)
	v, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, 1))
	require.NoError(t, err)

	participants := v.Participants()
	require.Len(t, participants, 6)
	assert.True(t, slices.IsSortedFunc(participants, func(a, b crypto.PublicKey) int {
		return bytes.Compare(a[:], b[:])
	}))

	// Callers get their own copy
	participants[0] = crypto.PublicKey{}
	assert.NotEqual(t, crypto.PublicKey{}, v.Participants()[0])
}

func TestSignaturesBoundToGenesis(t *testing.T) {
	keys := testutil.NewKeys(2)
	genesis := testutil.NewGenesis()
	v, err := NewValidators(genesis, weightsOf(keys, 1))
	require.NoError(t, err)
	other, err := NewValidators(testutil.NewGenesis(), weightsOf(keys, 1))
	require.NoError(t, err)

	s := newSigner(genesis, keys[0], v)
	id, ok := s.ValidatorID()
	require.True(t, ok)
	assert.Equal(t, keys[0].Public(), id)

	msg := []byte("message")
	sig := s.Sign(msg)
	assert.True(t, v.Verify(id, msg, sig))
	assert.False(t, v.Verify(id, []byte("other message"), sig))
	assert.False(t, v.Verify(keys[1].Public(), msg, sig))
	assert.False(t, other.Verify(id, msg, sig), "a signature is only valid on its own chain")
	assert.False(t, v.Verify(id, msg, keys[0].Sign(msg)), "raw signatures aren't accepted")

	outsider := testutil.NewKey()
	s = newSigner(genesis, outsider, v)
	_, ok = s.ValidatorID()
	assert.False(t, ok)
	assert.False(t, v.Verify(outsider.Public(), msg, s.Sign(msg)))
}
