package tributary

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/testutil"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/tendermint"
)

type testNode struct {
	*Tributary
	key  *crypto.PrivateKey
	peer *p2p.LocalPeer
}

// newTestTributary creates a chain over local, signing with key.
func newTestTributary(t *testing.T, local *p2p.LocalNetwork, genesis [32]byte, key *crypto.PrivateKey, validators map[crypto.PublicKey]uint64, startTime uint64) *testNode {
	t.Helper()
	peer := local.Join(key.Public())
	cfg, err := NewConfig(
		WithGenesis(genesis),
		WithStartTime(startTime),
		WithKey(key),
		WithValidators(validators),
		WithDB(openTestDB(t)),
		WithReader(testutil.ReadTx),
		WithP2P(peer),
		WithTiming(tendermint.TestTiming()),
	)
	require.NoError(t, err)
	tributary, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(tributary.Stop)
	return &testNode{Tributary: tributary, key: key, peer: peer}
}

// newSoloTributary is a chain with a single validator, so it finalizes
// blocks on its own.
func newSoloTributary(t *testing.T, local *p2p.LocalNetwork) *testNode {
	t.Helper()
	key := testutil.NewKey()
	return newTestTributary(t, local, testutil.NewGenesis(), key,
		map[crypto.PublicKey]uint64{key.Public(): 1}, tendermint.CanonicalNow())
}

func waitForBlock(t *testing.T, tributary *Tributary, number uint64) *chain.Block {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	block, got, err := tributary.Subscribe(number).Next(ctx)
	require.NoError(t, err, "waiting for block %d", number)
	require.Equal(t, number, got)
	return block
}

// receiveKind returns the next message of kind received by peer.
func receiveKind(t *testing.T, peer *p2p.LocalPeer, kind p2p.Kind, typ byte) *p2p.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		msg, err := peer.Receive(ctx)
		require.NoError(t, err)
		if msg.Kind == kind && len(msg.Data) != 0 && msg.Data[0] == typ {
			return msg
		}
	}
}

func TestTributaryFinalizesBlocks(t *testing.T) {
	local := p2p.NewLocalNetwork()
	node := newSoloTributary(t, local)
	observer := local.Join(testutil.NewKey().Public())

	require.NoError(t, node.Start())
	assert.Error(t, node.Start(), "a tributary starts once")

	block := waitForBlock(t, node.Tributary, 1)
	assert.Equal(t, node.Genesis(), block.Header.Parent)
	second := waitForBlock(t, node.Tributary, 2)
	assert.Equal(t, block.Header.Hash(), second.Header.Parent)

	hash := block.Header.Hash()
	commit, ok := node.ParsedCommit(hash)
	require.True(t, ok)
	assert.Equal(t, []crypto.PublicKey{node.key.Public()}, commit.Validators)
	assert.True(t, tendermint.VerifyCommit(node.Validators(), node.Validators(),
		chain.SerializedBlock(block.Bytes()).ID(), commit))

	end, ok := node.TimeOfBlock(hash)
	require.True(t, ok)
	assert.Equal(t, commit.EndTime, end)
	next, ok := node.BlockAfter(hash)
	require.True(t, ok)
	assert.Equal(t, second.Header.Hash(), next)

	// Added blocks are announced with their commit
	msg := receiveKind(t, observer, p2p.KindTributary, BlockMessage)
	assert.Equal(t, node.Genesis(), msg.Genesis)
	stored, ok := node.BlockMessage(hash)
	require.True(t, ok)
	assert.Equal(t, stored, msg.Data[1:])

	r := bytes.NewReader(stored)
	decoded, err := chain.ReadBlock(r, testutil.ReadTx)
	require.NoError(t, err)
	assert.Equal(t, hash, decoded.Header.Hash())
	raw, ok := node.Commit(hash)
	require.True(t, ok)
	assert.Equal(t, raw, stored[len(stored)-r.Len():])

	_, ok = node.ParsedCommit([32]byte{1})
	assert.False(t, ok)
}

func TestTributaryTransactions(t *testing.T) {
	local := p2p.NewLocalNetwork()
	node := newSoloTributary(t, local)
	observer := local.Join(testutil.NewKey().Public())

	nonce, ok := node.NextNonce(node.key.Public())
	require.True(t, ok)
	require.Zero(t, nonce)
	_, ok = node.NextNonce(testutil.NewKey().Public())
	assert.False(t, ok, "only participants have nonces")

	tx := testutil.NewSignedTx(node.Genesis(), node.key, 0)
	added, err := node.AddTransaction(tx)
	require.NoError(t, err)
	require.True(t, added)
	added, err = node.AddTransaction(tx)
	require.NoError(t, err)
	assert.False(t, added, "known transactions aren't added again")

	msg := receiveKind(t, observer, p2p.KindTributary, TransactionMessage)
	gossiped, err := chain.DecodeTx(msg.Data[1:], testutil.ReadTx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), gossiped.Hash())

	nonce, _ = node.NextNonce(node.key.Public())
	assert.Equal(t, uint32(1), nonce)

	provided := testutil.NewProvidedTx()
	require.NoError(t, node.ProvideTransaction(provided))

	require.NoError(t, node.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sub := node.Subscribe(1)
	for {
		block, _, err := sub.Next(ctx)
		require.NoError(t, err, "transaction was never included")
		if containsTx(block, tx.Hash()) {
			assert.True(t, containsTx(block, provided.Hash()))
			assert.True(t, node.LocallyProvidedTxsInBlock(block.Header.Hash(), testutil.ProvidedOrder))
			break
		}
	}
	nonce, _ = node.NextNonce(node.key.Public())
	assert.Equal(t, uint32(1), nonce)
}

func containsTx(block *chain.Block, hash [32]byte) bool {
	for _, tx := range block.Transactions {
		if tx.Hash() == hash {
			return true
		}
	}
	return false
}

func TestHandleMessage(t *testing.T) {
	keys := testutil.NewKeys(4)
	validators := weightsOf(keys, 1)
	node := newTestTributary(t, p2p.NewLocalNetwork(), testutil.NewGenesis(), keys[0], validators, tendermint.CanonicalNow())
	ctx := context.Background()

	invalid := [][]byte{
		{},
		{9},
		{TransactionMessage, 1, 2, 3},
		{TendermintMessage, 1, 2, 3},
		{BlockMessage, 1, 2, 3},
	}
	for _, msg := range invalid {
		gossip, err := node.HandleMessage(ctx, msg)
		assert.False(t, gossip)
		assert.True(t, errors.Is(err, ErrInvalidMessage), "message %x: %v", msg, err)
	}

	t.Run("Transaction", func(t *testing.T) {
		tx := testutil.NewSignedTx(node.Genesis(), keys[1], 0)
		gossip, err := node.HandleMessage(ctx, transactionMessage(tx))
		require.NoError(t, err)
		assert.True(t, gossip)

		gossip, err = node.HandleMessage(ctx, transactionMessage(tx))
		require.NoError(t, err)
		assert.False(t, gossip, "known transactions aren't gossiped again")

		outsider := testutil.NewSignedTx(node.Genesis(), testutil.NewKey(), 0)
		_, err = node.HandleMessage(ctx, transactionMessage(outsider))
		assert.True(t, errors.Is(err, ErrInvalidMessage))
	})

	t.Run("Consensus", func(t *testing.T) {
		s := newSigner(node.Genesis(), keys[1], node.Validators())
		prevote := func(block uint64) *tendermint.SignedMessage {
			sm := &tendermint.SignedMessage{Msg: tendermint.Message{
				Sender: keys[1].Public(),
				Block:  block,
				Data:   tendermint.Prevote(nil),
			}}
			sm.Sig = s.Sign(sm.Msg.Bytes())
			return sm
		}
		encode := func(sm *tendermint.SignedMessage) []byte {
			return append([]byte{TendermintMessage}, sm.Bytes()...)
		}

		gossip, err := node.HandleMessage(ctx, encode(prevote(1)))
		require.NoError(t, err)
		assert.True(t, gossip)
		gossip, err = node.HandleMessage(ctx, encode(prevote(1)))
		require.NoError(t, err)
		assert.False(t, gossip, "seen messages aren't gossiped again")

		gossip, err = node.HandleMessage(ctx, encode(prevote(5)))
		require.NoError(t, err)
		assert.False(t, gossip, "messages for other heights are dropped")

		forged := prevote(1)
		forged.Msg.Round = 1
		_, err = node.HandleMessage(ctx, encode(forged))
		assert.True(t, errors.Is(err, ErrByzantine))

		// Signatures over another chain don't verify here
		other := newSigner(testutil.NewGenesis(), keys[1], node.Validators())
		replayed := prevote(1)
		replayed.Msg.Round = 2
		replayed.Sig = other.Sign(replayed.Msg.Bytes())
		_, err = node.HandleMessage(ctx, encode(replayed))
		assert.True(t, errors.Is(err, ErrByzantine))
	})
}

func TestSyncBlock(t *testing.T) {
	local := p2p.NewLocalNetwork()
	leader := newSoloTributary(t, local)
	require.NoError(t, leader.Start())
	first := waitForBlock(t, leader.Tributary, 1)
	second := waitForBlock(t, leader.Tributary, 2)

	// A follower on its own network, which can only learn blocks by syncing
	cfg := leader.cfg
	follower := newTestTributary(t, p2p.NewLocalNetwork(), leader.Genesis(), testutil.NewKey(), cfg.Validators, cfg.StartTime)
	require.NoError(t, follower.Start())
	ctx := context.Background()

	commit, ok := leader.Commit(first.Header.Hash())
	require.True(t, ok)

	// Blocks must extend the tip
	secondCommit, _ := leader.Commit(second.Header.Hash())
	ok, err := follower.SyncBlock(ctx, second, secondCommit)
	require.NoError(t, err)
	assert.False(t, ok)

	// with a commit for them
	ok, err = follower.SyncBlock(ctx, first, secondCommit)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = follower.SyncBlock(ctx, first, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = follower.SyncBlock(ctx, first, commit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), follower.BlockNumber())
	assert.Equal(t, first.Header.Hash(), follower.Tip())

	msg, ok := leader.BlockMessage(second.Header.Hash())
	require.True(t, ok)
	ok, err = follower.SyncBlockMessage(ctx, msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Header.Hash(), follower.Tip())

	_, err = follower.SyncBlockMessage(ctx, []byte{1})
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}
