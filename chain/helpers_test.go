package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/testutil"
	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/tendermint"
)

type testValidators struct {
	keys []*crypto.PrivateKey
}

func (v *testValidators) TotalWeight() uint64 { return uint64(len(v.keys)) }

func (v *testValidators) Weight(id tendermint.ValidatorID) uint64 {
	for _, k := range v.keys {
		if k.Public() == id {
			return 1
		}
	}
	return 0
}

func (v *testValidators) Proposer(block uint64, round uint32) tendermint.ValidatorID {
	return v.keys[(block+uint64(round))%uint64(len(v.keys))].Public()
}

func (v *testValidators) Verify(id tendermint.ValidatorID, msg []byte, sig tendermint.Signature) bool {
	return v.Weight(id) != 0 && crypto.Verify(id, msg, sig)
}

type testChain struct {
	*Blockchain
	cfg        Config
	validators *testValidators
}

const testStartTime = 1_700_000_000_000

func newTestConfig(t *testing.T, validators *testValidators) Config {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return Config{
		DB:         db,
		Genesis:    testutil.NewGenesis(),
		StartTime:  testStartTime,
		Validators: validators,
		Reader:     testutil.ReadTx,
		Timing:     tendermint.DefaultTiming(),
	}
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	validators := &testValidators{keys: testutil.NewKeys(4)}
	return openTestChain(t, newTestConfig(t, validators), validators)
}

func openTestChain(t *testing.T, cfg Config, validators *testValidators) *testChain {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	return &testChain{Blockchain: b, cfg: cfg, validators: validators}
}

// reopen loads the chain again from its database.
func (c *testChain) reopen(t *testing.T) *testChain {
	return openTestChain(t, c.cfg, c.validators)
}

// sibling is another chain with the same genesis and validators.
func (c *testChain) sibling(t *testing.T) *testChain {
	cfg := newTestConfig(t, c.validators)
	cfg.Genesis = c.cfg.Genesis
	return openTestChain(t, cfg, c.validators)
}

func testCommit(endTime uint64) []byte {
	return (&tendermint.Commit{EndTime: endTime}).Bytes()
}

// addBuiltBlock builds a block and adds it.
func (c *testChain) addBuiltBlock(t *testing.T) *Block {
	t.Helper()
	block, err := c.BuildBlock()
	require.NoError(t, err)
	require.NoError(t, c.VerifyBlock(block, false))
	require.NoError(t, c.AddBlock(block, testCommit(testStartTime+6000*(c.BlockNumber()+1))))
	return block
}

func signMessage(key *crypto.PrivateKey, msg tendermint.Message) *tendermint.SignedMessage {
	return &tendermint.SignedMessage{Msg: msg, Sig: key.Sign(msg.Bytes())}
}
