package chain

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/dgraph-io/badger/v2"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/transaction"
)

// AccountMempoolLimit is how many transactions a signer may have pending.
const AccountMempoolLimit = 50

const mempoolDomain = "tributary_mempool"

type signedEntry struct {
	signer crypto.PublicKey
	nonce  uint32
	hash   [32]byte
}

func lessSigned(a, b signedEntry) bool {
	if c := bytes.Compare(a.signer[:], b.signer[:]); c != 0 {
		return c < 0
	}
	return a.nonce < b.nonce
}

// Mempool holds transactions waiting to be included in a block. Pending
// transactions are persisted and reloaded on restart.
//
// Not safe for concurrent use. The owning Blockchain serializes access.
type Mempool struct {
	db      *storage.DB
	genesis [32]byte
	logger  *zap.Logger

	txs map[[32]byte]transaction.Transaction
	// Signed transactions ordered by signer then nonce.
	signed  *btree.BTreeG[signedEntry]
	pending map[crypto.PublicKey]int
}

func (m *Mempool) txKey(hash [32]byte) []byte {
	return storage.Key(mempoolDomain, "tx", m.genesis[:], hash[:])
}

func newMempool(db *storage.DB, genesis [32]byte, reader transaction.Reader, logger *zap.Logger) (*Mempool, error) {
	m := &Mempool{
		db:      db,
		genesis: genesis,
		logger:  logger,
		txs:     make(map[[32]byte]transaction.Transaction),
		signed:  btree.NewG(32, lessSigned),
		pending: make(map[crypto.PublicKey]int),
	}

	err := db.View(storage.Traverse(storage.Key(mempoolDomain, "tx", genesis[:]), func(_, val []byte) error {
		tx, err := DecodeTx(val, reader)
		if err != nil {
			return fmt.Errorf("could not decode mempool transaction: %w", err)
		}
		m.insert(tx)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if len(m.txs) != 0 {
		logger.Info("reloaded mempool", zap.Int("transactions", len(m.txs)))
	}
	return m, nil
}

func (m *Mempool) insert(tx transaction.Transaction) {
	hash := tx.Hash()
	m.txs[hash] = tx
	if kind := tx.Kind(); kind.Type == transaction.KindSigned {
		m.signed.ReplaceOrInsert(signedEntry{signer: kind.Signed.Signer, nonce: kind.Signed.Nonce, hash: hash})
		m.pending[kind.Signed.Signer]++
	}
}

func (m *Mempool) forget(hash [32]byte) {
	tx, ok := m.txs[hash]
	if !ok {
		return
	}
	delete(m.txs, hash)
	if kind := tx.Kind(); kind.Type == transaction.KindSigned {
		m.signed.Delete(signedEntry{signer: kind.Signed.Signer, nonce: kind.Signed.Nonce})
		if m.pending[kind.Signed.Signer]--; m.pending[kind.Signed.Signer] <= 0 {
			delete(m.pending, kind.Signed.Signer)
		}
	}
}

// Has reports whether a transaction is pending.
func (m *Mempool) Has(hash [32]byte) bool {
	_, ok := m.txs[hash]
	return ok
}

// Len is the number of pending transactions.
func (m *Mempool) Len() int {
	return len(m.txs)
}

// NextNonceInMempool returns the nonce after signer's highest pending nonce,
// or false if signer has nothing pending.
func (m *Mempool) NextNonceInMempool(signer crypto.PublicKey) (uint32, bool) {
	var (
		next  uint32
		found bool
	)
	m.signed.DescendLessOrEqual(signedEntry{signer: signer, nonce: math.MaxUint32}, func(e signedEntry) bool {
		if e.signer == signer {
			next, found = e.nonce+1, true
		}
		return false
	})
	return next, found
}

// Add adds a transaction, returning true if it's new and false if it was
// already known.
//
// Internal transactions, created by this node, bypass the per-signer limit.
// chainNonce returns the next nonce on chain, or false for non-participants.
func (m *Mempool) Add(
	internal bool,
	tx transaction.Transaction,
	chainNonce func(crypto.PublicKey) (uint32, bool),
	unsignedIncluded func([32]byte) bool,
	verifyEvidence func(*EvidenceTx) error,
) (bool, error) {
	hash := tx.Hash()
	kind := tx.Kind()

	switch kind.Type {
	case transaction.KindProvided:
		return false, transaction.ErrProvidedAddedToMempool

	case transaction.KindUnsigned:
		if m.Has(hash) || unsignedIncluded(hash) {
			return false, nil
		}
		if ev, ok := tx.(*EvidenceTx); ok {
			if err := verifyEvidence(ev); err != nil {
				return false, err
			}
		} else if err := transaction.Verify(tx, m.genesis, nil); err != nil {
			return false, err
		}

	case transaction.KindSigned:
		if m.Has(hash) {
			return false, nil
		}
		signer := kind.Signed.Signer
		expected, ok := chainNonce(signer)
		if !ok {
			return false, transaction.ErrInvalidSigner
		}
		if next, ok := m.NextNonceInMempool(signer); ok {
			expected = next
		}
		if !internal && m.pending[signer] >= AccountMempoolLimit {
			return false, transaction.ErrTooManyInMempool
		}
		err := transaction.Verify(tx, m.genesis, func(crypto.PublicKey) (uint32, bool) {
			return expected, true
		})
		if err != nil {
			return false, err
		}

	default:
		return false, transaction.ErrInvalidContent
	}

	if err := m.db.Update(storage.Set(m.txKey(hash), EncodeTx(tx))); err != nil {
		return false, fmt.Errorf("could not persist mempool transaction: %w", err)
	}
	m.insert(tx)
	m.logger.Debug("added transaction to mempool",
		zap.Stringer("kind", kind.Type),
		zap.String("hash", fmt.Sprintf("%x", hash)))
	return true, nil
}

// Block returns the pending transactions which are currently valid for
// inclusion: unsigned transactions not on chain, sorted by hash, then
// signed transactions continuing each signer's chain nonce, sorted by nonce
// and signer. Nothing is removed.
func (m *Mempool) Block(
	chainNonce func(crypto.PublicKey) (uint32, bool),
	unsignedIncluded func([32]byte) bool,
) []transaction.Transaction {
	var unsigned []transaction.Transaction
	for hash, tx := range m.txs {
		if tx.Kind().Type == transaction.KindUnsigned && !unsignedIncluded(hash) {
			unsigned = append(unsigned, tx)
		}
	}
	slices.SortFunc(unsigned, func(a, b transaction.Transaction) int {
		ha, hb := a.Hash(), b.Hash()
		return bytes.Compare(ha[:], hb[:])
	})

	var (
		signed   []transaction.Transaction
		signer   crypto.PublicKey
		expected uint32
		valid    bool
		first    = true
	)
	m.signed.Ascend(func(e signedEntry) bool {
		if first || e.signer != signer {
			first = false
			signer = e.signer
			expected, valid = chainNonce(signer)
		}
		if valid && e.nonce == expected {
			signed = append(signed, m.txs[e.hash])
			expected++
		}
		return true
	})
	slices.SortStableFunc(signed, func(a, b transaction.Transaction) int {
		return cmp.Compare(a.Kind().Signed.Nonce, b.Kind().Signed.Nonce)
	})

	return append(unsigned, signed...)
}

// Remove drops a pending transaction.
func (m *Mempool) Remove(hash [32]byte) error {
	if !m.Has(hash) {
		return nil
	}
	if err := m.db.Update(storage.Remove(m.txKey(hash))); err != nil {
		return err
	}
	m.forget(hash)
	return nil
}

// prune deletes, within txn, the transactions a block made irrelevant: those
// it included and signed transactions whose nonce is now below the chain's.
// It returns their hashes for forget once txn commits.
func (m *Mempool) prune(txn *badger.Txn, included [][32]byte, chainNonce func(crypto.PublicKey) (uint32, error)) ([][32]byte, error) {
	var removed [][32]byte
	for _, hash := range included {
		if m.Has(hash) {
			removed = append(removed, hash)
		}
	}

	var (
		signer crypto.PublicKey
		nonce  uint32
		first  = true
		err    error
	)
	m.signed.Ascend(func(e signedEntry) bool {
		if first || e.signer != signer {
			first = false
			signer = e.signer
			if nonce, err = chainNonce(signer); err != nil {
				return false
			}
		}
		if e.nonce < nonce && !slices.Contains(removed, e.hash) {
			removed = append(removed, e.hash)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, hash := range removed {
		if err := storage.Remove(m.txKey(hash))(txn); err != nil {
			return nil, err
		}
	}
	return removed, nil
}
