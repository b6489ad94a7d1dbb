// Package chain implements the Tributary blockchain: blocks of provided,
// unsigned and signed transactions, the mempool feeding them, and the
// persistent chain they extend.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v2"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

// DefaultBlockCacheSize is how many decoded blocks are kept in memory.
const DefaultBlockCacheSize = 256

const blockchainDomain = "tributary_blockchain"

// Validators is the weighted validator set of a chain.
type Validators interface {
	tendermint.SignatureScheme
	tendermint.Weights
}

// Config configures a Blockchain.
type Config struct {
	DB      *storage.DB
	Genesis [32]byte
	// StartTime is the canonical start time of block 1.
	StartTime  uint64
	Validators Validators
	Reader     transaction.Reader
	Timing     tendermint.Timing
	Logger     *zap.Logger

	// BlockCacheSize defaults to DefaultBlockCacheSize.
	BlockCacheSize int
}

// Blockchain is a chain of blocks with its mempool and provided
// transactions. It is safe for concurrent use.
type Blockchain struct {
	db         *storage.DB
	genesis    [32]byte
	startTime  uint64
	validators Validators
	reader     transaction.Reader
	timing     tendermint.Timing
	logger     *zap.Logger

	mu       sync.RWMutex
	tip      [32]byte
	number   uint64
	blocks   *lru.Cache
	provided *ProvidedTransactions
	mempool  *Mempool
}

func (b *Blockchain) key(item string, parts ...[]byte) []byte {
	return storage.Key(blockchainDomain, item, append([][]byte{b.genesis[:]}, parts...)...)
}

func (b *Blockchain) blockKey(hash [32]byte) []byte    { return b.key("block", hash[:]) }
func (b *Blockchain) commitKey(hash [32]byte) []byte   { return b.key("commit", hash[:]) }
func (b *Blockchain) afterKey(hash [32]byte) []byte    { return b.key("block_after", hash[:]) }
func (b *Blockchain) numberOfKey(hash [32]byte) []byte { return b.key("block_number_of", hash[:]) }
func (b *Blockchain) hashKey(number uint64) []byte {
	return b.key("block_hash", binary.BigEndian.AppendUint64(nil, number))
}
func (b *Blockchain) nonceKey(signer crypto.PublicKey) []byte { return b.key("next_nonce", signer[:]) }
func (b *Blockchain) unsignedKey(hash [32]byte) []byte       { return b.key("unsigned_included", hash[:]) }

// New opens the chain for cfg.Genesis, reloading any persisted state.
func New(cfg Config) (*Blockchain, error) {
	if cfg.DB == nil || cfg.Validators == nil || cfg.Reader == nil {
		return nil, errors.New("chain: database, validators and reader are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = DefaultBlockCacheSize
	}
	cache, err := lru.New(cfg.BlockCacheSize)
	if err != nil {
		return nil, err
	}

	b := &Blockchain{
		db:         cfg.DB,
		genesis:    cfg.Genesis,
		startTime:  cfg.StartTime,
		validators: cfg.Validators,
		reader:     cfg.Reader,
		timing:     cfg.Timing,
		logger:     cfg.Logger.With(zap.String("genesis", fmt.Sprintf("%x", cfg.Genesis[:8]))),
		tip:        cfg.Genesis,
		blocks:     cache,
	}

	err = b.db.View(func(txn *badger.Txn) error {
		tip, err := storage.Get(txn, b.key("tip"))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		copy(b.tip[:], tip)
		b.number, err = storage.GetUint64(txn, b.key("block_number"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not load chain tip: %w", err)
	}

	if b.provided, err = newProvidedTransactions(b.db, b.genesis, b.reader); err != nil {
		return nil, err
	}
	if b.mempool, err = newMempool(b.db, b.genesis, b.reader, b.logger); err != nil {
		return nil, err
	}

	b.logger.Info("loaded blockchain", zap.Uint64("block", b.number), zap.String("tip", fmt.Sprintf("%x", b.tip)))
	return b, nil
}

// reader performs chain reads within one database transaction, capturing
// the first error so it can back the callbacks verification takes.
type chainReader struct {
	b      *Blockchain
	txn    *badger.Txn
	err    error
	nonces map[crypto.PublicKey]uint32
}

func (b *Blockchain) newReader(txn *badger.Txn) *chainReader {
	return &chainReader{b: b, txn: txn, nonces: make(map[crypto.PublicKey]uint32)}
}

func (r *chainReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *chainReader) chainNonce(signer crypto.PublicKey) (uint32, bool) {
	if r.b.validators.Weight(signer) == 0 {
		return 0, false
	}
	n, err := storage.GetUint64(r.txn, r.b.nonceKey(signer))
	if err != nil {
		r.fail(err)
		return 0, false
	}
	return uint32(n), true
}

// advanceNonce is a transaction.NonceFunc over a block being verified.
func (r *chainReader) advanceNonce(signer crypto.PublicKey) (uint32, bool) {
	n, ok := r.nonces[signer]
	if !ok {
		if n, ok = r.chainNonce(signer); !ok {
			return 0, false
		}
	}
	r.nonces[signer] = n + 1
	return n, true
}

func (r *chainReader) unsignedIncluded(hash [32]byte) bool {
	ok, err := storage.Has(r.txn, r.b.unsignedKey(hash))
	if err != nil {
		r.fail(err)
	}
	return ok
}

func (r *chainReader) providedIncluded(hash [32]byte) bool {
	ok, err := r.b.provided.included(r.txn, hash)
	if err != nil {
		r.fail(err)
	}
	return ok
}

// startTime is the canonical start time of block number.
func (r *chainReader) startTime(number uint64) (uint64, bool) {
	if number <= 1 {
		return r.b.startTime, number == 1
	}
	hash, err := storage.Get(r.txn, r.b.hashKey(number-1))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		r.fail(err)
		return 0, false
	}
	raw, err := storage.Get(r.txn, r.b.commitKey([32]byte(hash)))
	if err != nil {
		r.fail(err)
		return 0, false
	}
	commit, err := tendermint.DecodeCommit(raw)
	if err != nil {
		r.fail(fmt.Errorf("corrupt commit for block %d: %w", number-1, err))
		return 0, false
	}
	return commit.EndTime, true
}

func (r *chainReader) verifyEvidence(tx *EvidenceTx) error {
	v := &EvidenceVerifier{
		Genesis:    r.b.genesis,
		Validators: r.b.validators,
		Timing:     r.b.timing,
		StartTime:  r.startTime,
	}
	return v.Verify(tx)
}

// Genesis is the chain's genesis.
func (b *Blockchain) Genesis() [32]byte {
	return b.genesis
}

// Tip is the hash of the latest block, or the genesis if there are none.
func (b *Blockchain) Tip() [32]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tip
}

// BlockNumber is the number of the latest block. The genesis is block 0.
func (b *Blockchain) BlockNumber() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.number
}

// Block returns a block by hash.
func (b *Blockchain) Block(hash [32]byte) (*Block, bool) {
	if cached, ok := b.blocks.Get(hash); ok {
		return cached.(*Block), true
	}

	var raw []byte
	err := b.db.View(storage.Retrieve(b.blockKey(hash), &raw))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		b.logger.Error("could not load block", zap.Error(err))
		return nil, false
	}
	block, err := DecodeBlock(raw, b.reader)
	if err != nil {
		panic(fmt.Sprintf("stored block %x could not be decoded: %v", hash, err))
	}
	b.blocks.Add(hash, block)
	return block, true
}

func (b *Blockchain) lookup(key []byte) ([]byte, bool) {
	var val []byte
	err := b.db.View(storage.Retrieve(key, &val))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logger.Error("could not read chain state", zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// BlockAfter returns the hash of the block following hash.
func (b *Blockchain) BlockAfter(hash [32]byte) ([32]byte, bool) {
	val, ok := b.lookup(b.afterKey(hash))
	if !ok {
		return [32]byte{}, false
	}
	return [32]byte(val), true
}

// BlockHash returns the hash of block number.
func (b *Blockchain) BlockHash(number uint64) ([32]byte, bool) {
	if number == 0 {
		return b.genesis, true
	}
	val, ok := b.lookup(b.hashKey(number))
	if !ok {
		return [32]byte{}, false
	}
	return [32]byte(val), true
}

// NumberOf returns the number of the block with hash.
func (b *Blockchain) NumberOf(hash [32]byte) (uint64, bool) {
	if hash == b.genesis {
		return 0, true
	}
	val, ok := b.lookup(b.numberOfKey(hash))
	if !ok || len(val) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(val), true
}

// Commit returns the encoded commit for a block.
func (b *Blockchain) Commit(hash [32]byte) ([]byte, bool) {
	return b.lookup(b.commitKey(hash))
}

// CommitByNumber returns the encoded commit for block number.
func (b *Blockchain) CommitByNumber(number uint64) ([]byte, bool) {
	hash, ok := b.BlockHash(number)
	if !ok {
		return nil, false
	}
	return b.Commit(hash)
}

// TimeOfBlock is the canonical time a block was finalized at: the end time
// in its commit.
func (b *Blockchain) TimeOfBlock(hash [32]byte) (uint64, bool) {
	raw, ok := b.Commit(hash)
	if !ok {
		return 0, false
	}
	commit, err := tendermint.DecodeCommit(raw)
	if err != nil {
		panic(fmt.Sprintf("stored commit for %x could not be decoded: %v", hash, err))
	}
	return commit.EndTime, true
}

// NextNonce is the nonce the signer's next transaction should use,
// accounting for transactions already in the mempool. It returns false for
// non-participants.
func (b *Blockchain) NextNonce(signer crypto.PublicKey) (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if next, ok := b.mempool.NextNonceInMempool(signer); ok {
		return next, true
	}
	var (
		nonce uint32
		ok    bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		r := b.newReader(txn)
		nonce, ok = r.chainNonce(signer)
		return r.err
	})
	if err != nil {
		b.logger.Error("could not read nonce", zap.Error(err))
		return 0, false
	}
	return nonce, ok
}

// LocallyProvidedTxsInBlock reports whether every provided transaction of
// order in block was also provided locally.
func (b *Blockchain) LocallyProvidedTxsInBlock(block [32]byte, order string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ok, err := b.provided.LocallyProvidedTxsInBlock(block, order)
	if err != nil {
		b.logger.Error("could not read provided transactions", zap.Error(err))
		return false
	}
	return ok
}

// MempoolHas reports whether a transaction is pending in the mempool.
func (b *Blockchain) MempoolHas(hash [32]byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mempool.Has(hash)
}

// AddTransaction adds a transaction to the mempool, returning true if it's
// new. Internal transactions bypass the per-signer limit.
func (b *Blockchain) AddTransaction(internal bool, tx transaction.Transaction) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		added bool
		err   error
	)
	viewErr := b.db.View(func(txn *badger.Txn) error {
		r := b.newReader(txn)
		added, err = b.mempool.Add(internal, tx, r.chainNonce, r.unsignedIncluded, r.verifyEvidence)
		return r.err
	})
	if viewErr != nil {
		return false, viewErr
	}
	return added, err
}

// RemoveTransaction drops a pending transaction from the mempool.
func (b *Blockchain) RemoveTransaction(hash [32]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mempool.Remove(hash)
}

// ProvideTransaction provides a transaction locally.
func (b *Blockchain) ProvideTransaction(tx transaction.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.provided.Provide(tx)
}

// BuildBlock builds a block on the tip from the provided transactions and
// the mempool.
func (b *Blockchain) BuildBlock() (*Block, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var block *Block
	err := b.db.View(func(txn *badger.Txn) error {
		r := b.newReader(txn)
		block = NewBlock(b.tip, b.provided.Pending(), b.mempool.Block(r.chainNonce, r.unsignedIncluded))
		return r.err
	})
	return block, err
}

// VerifyBlock checks block could be added to the chain.
// allowNonLocalProvided accepts provided transactions not provided locally.
func (b *Blockchain) VerifyBlock(block *Block, allowNonLocalProvided bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.verify(block, allowNonLocalProvided)
}

func (b *Blockchain) verify(block *Block, allowNonLocalProvided bool) error {
	var verifyErr error
	err := b.db.View(func(txn *badger.Txn) error {
		r := b.newReader(txn)
		verifyErr = block.Verify(&VerifyContext{
			Genesis:               b.genesis,
			Tip:                   b.tip,
			Provided:              b.provided.pendingHashes(),
			AllowNonLocalProvided: allowNonLocalProvided,
			ProvidedIncluded:      r.providedIncluded,
			NextNonce:             r.advanceNonce,
			UnsignedIncluded:      r.unsignedIncluded,
			VerifyEvidence:        r.verifyEvidence,
		})
		return r.err
	})
	if err != nil {
		return fmt.Errorf("%w: could not read chain state: %w", ErrStorage, err)
	}
	return verifyErr
}

// AddBlock appends a block finalized by commit.
//
// The block is verified allowing provided transactions we haven't provided
// yet, since consensus already decided on it. Everything the block changes
// is written in one database transaction.
func (b *Blockchain) AddBlock(block *Block, commit []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.verify(block, true); err != nil {
		return err
	}

	hash := block.Hash()
	number := b.number + 1

	var (
		popped  map[string]int
		removed [][32]byte
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		popped = make(map[string]int)

		ops := []func(*badger.Txn) error{
			storage.Set(b.blockKey(hash), block.Bytes()),
			storage.Set(b.commitKey(hash), commit),
			storage.Set(b.hashKey(number), hash[:]),
			storage.SetUint64(b.numberOfKey(hash), number),
			storage.Set(b.afterKey(b.tip), hash[:]),
			storage.Set(b.key("tip"), hash[:]),
			storage.SetUint64(b.key("block_number"), number),
		}
		for _, op := range ops {
			if err := op(txn); err != nil {
				return err
			}
		}

		provided := make(map[string][][32]byte)
		hashes := make([][32]byte, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			txHash := tx.Hash()
			hashes = append(hashes, txHash)

			kind := tx.Kind()
			switch kind.Type {
			case transaction.KindProvided:
				provided[kind.Order] = append(provided[kind.Order], txHash)
			case transaction.KindUnsigned:
				if err := storage.Set(b.unsignedKey(txHash), nil)(txn); err != nil {
					return err
				}
			case transaction.KindSigned:
				// Verification ensured nonces are contiguous
				next := uint64(kind.Signed.Nonce) + 1
				if err := storage.SetUint64(b.nonceKey(kind.Signed.Signer), next)(txn); err != nil {
					return err
				}
			}
		}

		orders := make([]string, 0, len(provided))
		for order := range provided {
			orders = append(orders, order)
		}
		slices.Sort(orders)
		for _, order := range orders {
			n, err := b.provided.complete(txn, hash, order, provided[order])
			if err != nil {
				return err
			}
			popped[order] = n
		}

		var err error
		removed, err = b.mempool.prune(txn, hashes, func(signer crypto.PublicKey) (uint32, error) {
			n, err := storage.GetUint64(txn, b.nonceKey(signer))
			return uint32(n), err
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: could not write block %d: %w", ErrStorage, number, err)
	}

	b.tip = hash
	b.number = number
	b.blocks.Add(hash, block)
	for order, n := range popped {
		b.provided.pop(order, n)
	}
	for _, h := range removed {
		b.mempool.forget(h)
	}

	b.logger.Info("added block",
		zap.Uint64("block", number),
		zap.String("hash", fmt.Sprintf("%x", hash)),
		zap.Int("transactions", len(block.Transactions)))
	return nil
}
