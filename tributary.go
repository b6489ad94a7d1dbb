// Package tributary runs a Tributary: a small permissioned blockchain,
// finalized by Tendermint, whose validators use it to agree on and order
// the messages of some multi-party protocol.
//
// Each chain is identified by its genesis and runs independently. Messages
// reach a chain through HandleMessage; a p2p.Router dispatches them for
// every chain a node participates in.
package tributary

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

// Message types carried in p2p.KindTributary messages, as their first byte.
const (
	// TransactionMessage is a transaction for the mempool.
	TransactionMessage byte = iota
	// TendermintMessage is a signed consensus message.
	TendermintMessage
	// BlockMessage is a block followed by its commit, sent once added.
	BlockMessage
)

// Tributary is one running chain.
type Tributary struct {
	cfg        *Config
	genesis    [32]byte
	validators *Validators
	chain      *chain.Blockchain
	network    *network
	machine    *tendermint.Machine
	seen       *seenMessages
	logger     *zap.Logger

	mu      sync.Mutex
	added   chan struct{} // closed and replaced whenever a block is added
	started bool
}

var _ p2p.Chain = (*Tributary)(nil)

// New opens the chain described by cfg. It doesn't participate in consensus
// until started.
func New(cfg *Config) (*Tributary, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger.With(zap.String("genesis", fmt.Sprintf("%x", cfg.Genesis[:8])))
	validators, err := NewValidators(cfg.Genesis, cfg.Validators)
	if err != nil {
		return nil, err
	}

	bc, err := chain.New(chain.Config{
		DB:             cfg.DB,
		Genesis:        cfg.Genesis,
		StartTime:      cfg.StartTime,
		Validators:     validators,
		Reader:         cfg.Reader,
		Timing:         cfg.Timing,
		Logger:         logger.Named("chain"),
		BlockCacheSize: cfg.BlockCacheSize,
	})
	if err != nil {
		return nil, wrapInternal(err)
	}

	seen, err := newSeenMessages(cfg.DB, cfg.Genesis, cfg.SeenCacheSize, cfg.SeenTTL)
	if err != nil {
		return nil, wrapConfig(err.Error())
	}

	t := &Tributary{
		cfg:        cfg,
		genesis:    cfg.Genesis,
		validators: validators,
		chain:      bc,
		seen:       seen,
		logger:     logger,
		added:      make(chan struct{}),
	}
	t.network = &network{
		genesis:    cfg.Genesis,
		signer:     newSigner(cfg.Genesis, cfg.Key, validators),
		validators: validators,
		chain:      bc,
		reader:     cfg.Reader,
		p2p:        cfg.P2P,
		seen:       seen,
		blockTime:  cfg.Timing.BlockTime(),
		logger:     logger.Named("network"),
		onBlock:    t.notifyBlock,
	}

	lastTime := cfg.StartTime
	if number := bc.BlockNumber(); number != 0 {
		commit, ok := t.ParsedCommit(bc.Tip())
		if !ok {
			return nil, wrapInternal(fmt.Errorf("missing commit for block %d", number))
		}
		lastTime = commit.EndTime
	}

	proposal, err := bc.BuildBlock()
	if err != nil {
		return nil, wrapInternal(err)
	}

	var metrics *tendermint.Metrics
	if cfg.Registerer != nil {
		metrics = tendermint.NewMetrics(cfg.Registerer, fmt.Sprintf("%x", cfg.Genesis[:8]))
	}
	t.machine, err = tendermint.New(tendermint.Config{
		Network:   t.network,
		Timing:    cfg.Timing,
		LastBlock: bc.BlockNumber(),
		LastTime:  lastTime,
		Proposal:  chain.SerializedBlock(proposal.Bytes()),
		Timer:     cfg.Timer,
		Logger:    logger.Named("tendermint"),
		Metrics:   metrics,
	})
	if err != nil {
		return nil, wrapConfig(err.Error())
	}
	return t, nil
}

// Start starts participating in consensus.
func (t *Tributary) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return wrapInternal(fmt.Errorf("tributary already started"))
	}
	if err := t.machine.Start(); err != nil {
		return wrapInternal(err)
	}
	t.started = true

	validator, _ := t.network.signer.ValidatorID()
	t.logger.Info("started tributary",
		zap.Uint64("block", t.chain.BlockNumber()),
		zap.Bool("validator", t.network.signer.validator),
		zap.Stringer("key", validator))
	return nil
}

// Stop stops consensus. The chain stays readable.
func (t *Tributary) Stop() {
	t.machine.Stop()
}

// Genesis identifies the chain.
func (t *Tributary) Genesis() [32]byte {
	return t.genesis
}

// BlockTime is the length of a round without faults.
func (t *Tributary) BlockTime() time.Duration {
	return t.cfg.Timing.BlockTime()
}

// Validators is the chain's validator set.
func (t *Tributary) Validators() *Validators {
	return t.validators
}

// Participants implements p2p.Chain.
func (t *Tributary) Participants() []p2p.PeerID {
	return t.validators.Participants()
}

// ProvideTransaction queues a provided transaction for inclusion.
func (t *Tributary) ProvideTransaction(tx transaction.Transaction) error {
	return t.chain.ProvideTransaction(tx)
}

// AddTransaction adds one of our transactions to the mempool and gossips it.
// It returns false if the transaction was already known.
func (t *Tributary) AddTransaction(tx transaction.Transaction) (bool, error) {
	added, err := t.chain.AddTransaction(true, tx)
	if err != nil || !added {
		return added, err
	}
	t.cfg.P2P.Broadcast(p2p.KindTributary, t.genesis, transactionMessage(tx))
	return true, nil
}

// HandleMessage handles a message received from a peer, reporting whether
// it should be gossiped further.
func (t *Tributary) HandleMessage(ctx context.Context, msg []byte) (bool, error) {
	if len(msg) == 0 {
		return false, wrapInvalidMessage(fmt.Errorf("empty message"))
	}

	switch msg[0] {
	case TransactionMessage:
		tx, err := chain.DecodeTx(msg[1:], t.cfg.Reader)
		if err != nil {
			return false, wrapInvalidMessage(err)
		}
		added, err := t.chain.AddTransaction(false, tx)
		if err != nil {
			return false, wrapInvalidMessage(err)
		}
		return added, nil

	case TendermintMessage:
		return t.handleConsensus(ctx, msg[1:])

	case BlockMessage:
		// Every node broadcasts the blocks it adds, so these aren't gossiped
		_, err := t.SyncBlockMessage(ctx, msg[1:])
		return false, err

	default:
		return false, wrapInvalidMessage(fmt.Errorf("unknown message type %d", msg[0]))
	}
}

func (t *Tributary) handleConsensus(ctx context.Context, data []byte) (bool, error) {
	id := messageID(data)
	seen, err := t.seen.has(id)
	if err != nil {
		return false, wrapInternal(err)
	}
	if seen {
		return false, nil
	}

	sm, err := tendermint.DecodeSignedMessage(data, chain.ReadSerializedBlock)
	if err != nil {
		return false, wrapInvalidMessage(err)
	}
	// Only messages deciding the next block are of use
	if sm.Msg.Block != t.chain.BlockNumber()+1 {
		return false, nil
	}
	if !sm.VerifySignature(t.validators) {
		return false, wrapByzantine(fmt.Sprintf("invalid signature from %s", sm.Msg.Sender))
	}

	if err := t.machine.Deliver(ctx, sm); err != nil {
		return false, wrapInternal(err)
	}
	if err := t.seen.add(id); err != nil {
		t.logger.Error("could not mark message as seen", zap.Error(err))
	}
	return true, nil
}

// SyncBlock adds a block finalized by commit without live consensus. It
// returns false if the block doesn't extend the tip or the commit doesn't
// verify.
func (t *Tributary) SyncBlock(ctx context.Context, block *chain.Block, commit []byte) (bool, error) {
	if block.Header.Parent != t.chain.Tip() {
		return false, nil
	}
	c, err := tendermint.DecodeCommit(commit)
	if err != nil {
		return false, nil
	}
	serialized := chain.SerializedBlock(block.Bytes())
	if !tendermint.VerifyCommit(t.validators, t.validators, serialized.ID(), c) {
		return false, nil
	}

	ok, err := t.machine.SyncBlock(ctx, t.chain.BlockNumber()+1, serialized, c)
	if err != nil {
		return false, wrapInternal(err)
	}
	return ok, nil
}

// SyncBlockMessage is SyncBlock for a block followed by its commit.
func (t *Tributary) SyncBlockMessage(ctx context.Context, msg []byte) (bool, error) {
	r := bytes.NewReader(msg)
	block, err := chain.ReadBlock(r, t.cfg.Reader)
	if err != nil {
		return false, wrapInvalidMessage(err)
	}
	commit := msg[len(msg)-r.Len():]
	return t.SyncBlock(ctx, block, commit)
}

// Tip is the hash of the latest block, or the genesis.
func (t *Tributary) Tip() [32]byte {
	return t.chain.Tip()
}

// BlockNumber is the number of the latest block.
func (t *Tributary) BlockNumber() uint64 {
	return t.chain.BlockNumber()
}

// Block returns a block by hash.
func (t *Tributary) Block(hash [32]byte) (*chain.Block, bool) {
	return t.chain.Block(hash)
}

// BlockAfter returns the hash of the block following hash.
func (t *Tributary) BlockAfter(hash [32]byte) ([32]byte, bool) {
	return t.chain.BlockAfter(hash)
}

// Commit returns the encoded commit of a block.
func (t *Tributary) Commit(hash [32]byte) ([]byte, bool) {
	return t.chain.Commit(hash)
}

// ParsedCommit returns the commit of a block.
func (t *Tributary) ParsedCommit(hash [32]byte) (*tendermint.Commit, bool) {
	data, ok := t.chain.Commit(hash)
	if !ok {
		return nil, false
	}
	c, err := tendermint.DecodeCommit(data)
	if err != nil {
		panic(fmt.Sprintf("stored commit for %x doesn't decode: %v", hash, err))
	}
	return c, true
}

// BlockMessage implements p2p.Chain.
func (t *Tributary) BlockMessage(hash [32]byte) ([]byte, bool) {
	block, ok := t.chain.Block(hash)
	if !ok {
		return nil, false
	}
	commit, ok := t.chain.Commit(hash)
	if !ok {
		return nil, false
	}
	return append(block.Bytes(), commit...), true
}

// TimeOfBlock is the canonical end time of the round which finalized a
// block.
func (t *Tributary) TimeOfBlock(hash [32]byte) (uint64, bool) {
	return t.chain.TimeOfBlock(hash)
}

// NextNonce is the nonce signer's next transaction should use.
func (t *Tributary) NextNonce(signer crypto.PublicKey) (uint32, bool) {
	return t.chain.NextNonce(signer)
}

// LocallyProvidedTxsInBlock reports whether we provided every provided
// transaction of order in block.
func (t *Tributary) LocallyProvidedTxsInBlock(block [32]byte, order string) bool {
	return t.chain.LocallyProvidedTxsInBlock(block, order)
}

func (t *Tributary) notifyBlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.added)
	t.added = make(chan struct{})
}

func (t *Tributary) blockAdded() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.added
}

// Subscription iterates over the chain's blocks in order, waiting for new
// ones once caught up. No block is skipped.
type Subscription struct {
	t    *Tributary
	next uint64
}

// Subscribe iterates over blocks starting with block number from.
func (t *Tributary) Subscribe(from uint64) *Subscription {
	return &Subscription{t: t, next: max(from, 1)}
}

// Next returns the next block and its number, waiting until it's added or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (*chain.Block, uint64, error) {
	for {
		added := s.t.blockAdded()
		if hash, ok := s.t.chain.BlockHash(s.next); ok {
			block, ok := s.t.chain.Block(hash)
			if !ok {
				return nil, 0, wrapInternal(fmt.Errorf("missing block %d", s.next))
			}
			number := s.next
			s.next++
			return block, number, nil
		}

		select {
		case <-added:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}
