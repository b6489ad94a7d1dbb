package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/transaction"
)

const providedDomain = "tributary_provided"

// ProvidedTransactions tracks provided transactions: those provided locally
// and waiting to be included, and the sequence included on chain, per order.
//
// Not safe for concurrent use. The owning Blockchain serializes access.
type ProvidedTransactions struct {
	db      *storage.DB
	genesis [32]byte

	// Locally provided transactions not yet on chain, by order.
	transactions map[string][]transaction.Transaction
}

func (p *ProvidedTransactions) key(item string, parts ...[]byte) []byte {
	return storage.Key(providedDomain, item, append([][]byte{p.genesis[:]}, parts...)...)
}

func (p *ProvidedTransactions) queueKey(order string) []byte {
	return p.key("local_queue", []byte(order))
}

func (p *ProvidedTransactions) localCountKey(order string) []byte {
	return p.key("local_count", []byte(order))
}

func (p *ProvidedTransactions) chainCountKey(order string) []byte {
	return p.key("chain_count", []byte(order))
}

func (p *ProvidedTransactions) chainSeqKey(order string, index uint64) []byte {
	// The order is length prefixed so the index can't be confused for it
	return p.key("chain_seq", binary.LittleEndian.AppendUint32(nil, uint32(len(order))), []byte(order), binary.LittleEndian.AppendUint64(nil, index))
}

func (p *ProvidedTransactions) blockRangeKey(block [32]byte, order string) []byte {
	return p.key("block_range", block[:], []byte(order))
}

func (p *ProvidedTransactions) localHashKey(hash [32]byte) []byte {
	return p.key("local_hash", hash[:])
}

func (p *ProvidedTransactions) includedKey(hash [32]byte) []byte {
	return p.key("included", hash[:])
}

func newProvidedTransactions(db *storage.DB, genesis [32]byte, reader transaction.Reader) (*ProvidedTransactions, error) {
	p := &ProvidedTransactions{
		db:           db,
		genesis:      genesis,
		transactions: make(map[string][]transaction.Transaction),
	}

	prefix := p.key("local_queue")
	err := db.View(storage.Traverse(prefix, func(key, val []byte) error {
		order := string(key[len(prefix):])
		txs, err := decodeQueue(val, reader)
		if err != nil {
			return fmt.Errorf("could not decode provided queue %q: %w", order, err)
		}
		if len(txs) != 0 {
			p.transactions[order] = txs
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func encodeQueue(txs []transaction.Transaction) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(txs)))
	for _, tx := range txs {
		encoded := EncodeTx(tx)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(encoded)))
		buf = append(buf, encoded...)
	}
	return buf
}

func decodeQueue(data []byte, reader transaction.Reader) ([]transaction.Transaction, error) {
	if len(data) < 4 {
		return nil, errors.New("queue is too short")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	txs := make([]transaction.Transaction, 0, min(int(count), len(data)/4))
	for range count {
		if len(data) < 4 {
			return nil, errors.New("queue is truncated")
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			return nil, errors.New("queue is truncated")
		}
		tx, err := ReadTx(bytes.NewReader(data[:n]), reader)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
		data = data[n:]
	}
	return txs, nil
}

// Provide adds a locally provided transaction.
//
// If the chain already included the transaction at this position of its
// order, it must be the same transaction, and is recorded as provided
// without being queued.
func (p *ProvidedTransactions) Provide(tx transaction.Transaction) error {
	kind := tx.Kind()
	if kind.Type != transaction.KindProvided {
		return ErrNotProvided
	}
	if err := transaction.Verify(tx, p.genesis, nil); err != nil {
		return err
	}

	hash := tx.Hash()
	order := kind.Order
	queued := false
	err := p.db.Update(func(txn *badger.Txn) error {
		queued = false

		seen, err := storage.Has(txn, p.localHashKey(hash))
		if err != nil {
			return err
		}
		if seen {
			return ErrAlreadyProvided
		}

		local, err := storage.GetUint64(txn, p.localCountKey(order))
		if err != nil {
			return err
		}
		onChain, err := storage.GetUint64(txn, p.chainCountKey(order))
		if err != nil {
			return err
		}
		if local < onChain {
			included, err := storage.Get(txn, p.chainSeqKey(order, local))
			if err != nil {
				return err
			}
			if !bytes.Equal(included, hash[:]) {
				return fmt.Errorf("%w: position %d of %q", ErrLocalMismatchesOnChain, local, order)
			}
		} else {
			queue := append(append([]transaction.Transaction(nil), p.transactions[order]...), tx)
			if err := storage.Set(p.queueKey(order), encodeQueue(queue))(txn); err != nil {
				return err
			}
			queued = true
		}

		if err := storage.SetUint64(p.localCountKey(order), local+1)(txn); err != nil {
			return err
		}
		return storage.Set(p.localHashKey(hash), nil)(txn)
	})
	if err != nil {
		return err
	}

	if queued {
		p.transactions[order] = append(p.transactions[order], tx)
	}
	return nil
}

// Pending returns the locally provided transactions not yet on chain.
func (p *ProvidedTransactions) Pending() map[string][]transaction.Transaction {
	pending := make(map[string][]transaction.Transaction, len(p.transactions))
	for order, txs := range p.transactions {
		pending[order] = append([]transaction.Transaction(nil), txs...)
	}
	return pending
}

func (p *ProvidedTransactions) pendingHashes() map[string][][32]byte {
	hashes := make(map[string][][32]byte, len(p.transactions))
	for order, txs := range p.transactions {
		for _, tx := range txs {
			hashes[order] = append(hashes[order], tx.Hash())
		}
	}
	return hashes
}

func (p *ProvidedTransactions) included(txn *badger.Txn, hash [32]byte) (bool, error) {
	return storage.Has(txn, p.includedKey(hash))
}

// complete records the provided transactions of one order in a block,
// returning how many were popped from the local queue.
func (p *ProvidedTransactions) complete(txn *badger.Txn, block [32]byte, order string, hashes [][32]byte) (int, error) {
	start, err := storage.GetUint64(txn, p.chainCountKey(order))
	if err != nil {
		return 0, err
	}
	local, err := storage.GetUint64(txn, p.localCountKey(order))
	if err != nil {
		return 0, err
	}

	queue := p.transactions[order]
	popped := 0
	for i, hash := range hashes {
		index := start + uint64(i)
		if index < local {
			if popped >= len(queue) || queue[popped].Hash() != hash {
				panic("completed provided transaction which differs from the one provided")
			}
			popped++
		}
		if err := storage.Set(p.chainSeqKey(order, index), hash[:])(txn); err != nil {
			return 0, err
		}
		if err := storage.Set(p.includedKey(hash), nil)(txn); err != nil {
			return 0, err
		}
	}

	if err := storage.SetUint64(p.chainCountKey(order), start+uint64(len(hashes)))(txn); err != nil {
		return 0, err
	}
	if popped != 0 {
		if err := storage.Set(p.queueKey(order), encodeQueue(queue[popped:]))(txn); err != nil {
			return 0, err
		}
	}

	blockRange := binary.LittleEndian.AppendUint64(nil, start)
	blockRange = binary.LittleEndian.AppendUint64(blockRange, uint64(len(hashes)))
	if err := storage.Set(p.blockRangeKey(block, order), blockRange)(txn); err != nil {
		return 0, err
	}
	return popped, nil
}

// pop drops completed transactions from the in-memory queue once the
// transaction recording them committed.
func (p *ProvidedTransactions) pop(order string, n int) {
	queue := p.transactions[order][n:]
	if len(queue) == 0 {
		delete(p.transactions, order)
		return
	}
	p.transactions[order] = queue
}

// LocallyProvidedTxsInBlock reports whether every transaction of order in
// block was also provided locally.
func (p *ProvidedTransactions) LocallyProvidedTxsInBlock(block [32]byte, order string) (bool, error) {
	var ok bool
	err := p.db.View(func(txn *badger.Txn) error {
		blockRange, err := storage.Get(txn, p.blockRangeKey(block, order))
		if errors.Is(err, storage.ErrNotFound) {
			ok = true
			return nil
		}
		if err != nil {
			return err
		}
		if len(blockRange) != 16 {
			return fmt.Errorf("corrupt provided range for block %x", block)
		}
		end := binary.LittleEndian.Uint64(blockRange) + binary.LittleEndian.Uint64(blockRange[8:])

		local, err := storage.GetUint64(txn, p.localCountKey(order))
		if err != nil {
			return err
		}
		ok = local >= end
		return nil
	})
	return ok, err
}
