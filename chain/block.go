package chain

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

// BlockSizeLimit is the largest serialized block accepted.
const BlockSizeLimit = 3_001_000

// HeaderSize is the size of an encoded header.
const HeaderSize = 64

// Header commits to a block's parent and transactions.
type Header struct {
	Parent [32]byte
	// Transactions is the merkle root of the transaction hashes.
	Transactions [32]byte
}

// Bytes encodes the header.
func (h Header) Bytes() []byte {
	return append(h.Parent[:], h.Transactions[:]...)
}

// Hash is the block hash.
func (h Header) Hash() [32]byte {
	return crypto.Hash("tributary_block", h.Parent[:], h.Transactions[:])
}

// Block is an ordered list of transactions.
type Block struct {
	Header       Header
	Transactions []transaction.Transaction
}

// NewBlock builds a block on parent from the locally provided transactions,
// by order, and a snapshot of the mempool.
//
// Provided transactions come first, orders sorted by name. Unsigned
// transactions follow, sorted by hash, then signed transactions sorted by
// nonce and signer. Trailing mempool transactions are dropped to fit the
// size limit.
func NewBlock(parent [32]byte, provided map[string][]transaction.Transaction, mempool []transaction.Transaction) *Block {
	b := &Block{Header: Header{Parent: parent}}

	orders := make([]string, 0, len(provided))
	for order := range provided {
		orders = append(orders, order)
	}
	slices.Sort(orders)
	for _, order := range orders {
		b.Transactions = append(b.Transactions, provided[order]...)
	}

	pending := slices.Clone(mempool)
	slices.SortStableFunc(pending, compareMempool)

	size := HeaderSize + 4
	for _, tx := range b.Transactions {
		size += 1 + len(tx.Bytes())
	}
	for _, tx := range pending {
		if tx.Kind().Type == transaction.KindProvided {
			panic("provided transaction entered the mempool")
		}
		size += 1 + len(tx.Bytes())
		if size > BlockSizeLimit {
			break
		}
		b.Transactions = append(b.Transactions, tx)
	}

	b.Header.Transactions = Merkle(b.hashes())
	return b
}

func compareMempool(a, b transaction.Transaction) int {
	ka, kb := a.Kind(), b.Kind()
	if c := cmp.Compare(ka.Type, kb.Type); c != 0 {
		return c
	}
	if ka.Type == transaction.KindSigned {
		if c := cmp.Compare(ka.Signed.Nonce, kb.Signed.Nonce); c != 0 {
			return c
		}
		return bytes.Compare(ka.Signed.Signer[:], kb.Signed.Signer[:])
	}
	ha, hb := a.Hash(), b.Hash()
	return bytes.Compare(ha[:], hb[:])
}

func (b *Block) hashes() [][32]byte {
	hashes := make([][32]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// Hash is the hash of the header.
func (b *Block) Hash() [32]byte {
	return b.Header.Hash()
}

// Bytes encodes the block.
//
// Format: [header:64][count:4]([tag:1][transaction])*
func (b *Block) Bytes() []byte {
	buf := b.Header.Bytes()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = append(buf, EncodeTx(tx)...)
	}
	return buf
}

// DecodeBlock decodes a block, rejecting trailing bytes.
func DecodeBlock(data []byte, reader transaction.Reader) (*Block, error) {
	r := bytes.NewReader(data)
	b, err := ReadBlock(r, reader)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("block has %d trailing bytes", r.Len())
	}
	return b, nil
}

// ReadBlock reads one block from r.
func ReadBlock(r *bytes.Reader, reader transaction.Reader) (*Block, error) {
	b := &Block{}
	if _, err := io.ReadFull(r, b.Header.Parent[:]); err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}
	if _, err := io.ReadFull(r, b.Header.Transactions[:]); err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, fmt.Errorf("could not read transaction count: %w", err)
	}
	count := binary.LittleEndian.Uint32(n[:])
	// Every transaction takes at least its tag
	if int64(count) > int64(r.Len()) {
		return nil, errors.New("transaction count exceeds input")
	}

	b.Transactions = make([]transaction.Transaction, 0, count)
	for i := range count {
		tx, err := ReadTx(r, reader)
		if err != nil {
			return nil, fmt.Errorf("could not read transaction %d: %w", i, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

// VerifyContext is the chain state a block is verified against.
type VerifyContext struct {
	Genesis [32]byte
	Tip     [32]byte

	// Provided are the locally provided transactions not yet on chain, by
	// order, in the order they were provided.
	Provided map[string][][32]byte
	// AllowNonLocalProvided accepts provided transactions we haven't
	// provided yet, once consensus decided on them.
	AllowNonLocalProvided bool
	// ProvidedIncluded reports whether a provided transaction is on chain.
	ProvidedIncluded func(hash [32]byte) bool

	// NextNonce returns and advances the nonce expected from a signer.
	NextNonce transaction.NonceFunc
	// UnsignedIncluded reports whether an unsigned transaction is on chain.
	UnsignedIncluded func(hash [32]byte) bool
	// VerifyEvidence checks an evidence transaction.
	VerifyEvidence func(tx *EvidenceTx) error
}

// Verify checks the block extends vc.Tip with valid transactions.
func (b *Block) Verify(vc *VerifyContext) error {
	if len(b.Bytes()) > BlockSizeLimit {
		return ErrTooLargeBlock
	}
	if b.Header.Parent != vc.Tip {
		return ErrInvalidParent
	}

	var (
		last     = transaction.KindProvided
		provided = make(map[string]int)
		unsigned = make(map[[32]byte]struct{})
	)
	for i, tx := range b.Transactions {
		kind := tx.Kind()
		hash := tx.Hash()
		if kind.Type < last {
			return ErrWrongTransactionOrder
		}
		last = kind.Type

		switch kind.Type {
		case transaction.KindProvided:
			if vc.ProvidedIncluded(hash) {
				return ErrProvidedAlreadyIncluded
			}
			local := vc.Provided[kind.Order]
			idx := provided[kind.Order]
			provided[kind.Order]++
			if idx >= len(local) {
				if !vc.AllowNonLocalProvided {
					return &NonLocalProvidedError{Hash: hash}
				}
			} else if local[idx] != hash {
				return ErrDistinctProvided
			}
			if err := transaction.Verify(tx, vc.Genesis, vc.NextNonce); err != nil {
				return &BlockTransactionError{Index: i, Err: err}
			}

		case transaction.KindUnsigned:
			if _, ok := unsigned[hash]; ok || vc.UnsignedIncluded(hash) {
				return ErrUnsignedAlreadyIncluded
			}
			unsigned[hash] = struct{}{}

			if ev, ok := tx.(*EvidenceTx); ok {
				if err := vc.VerifyEvidence(ev); err != nil {
					return &BlockTransactionError{Index: i, Err: err}
				}
			} else if err := transaction.Verify(tx, vc.Genesis, vc.NextNonce); err != nil {
				return &BlockTransactionError{Index: i, Err: err}
			}

		case transaction.KindSigned:
			if err := transaction.Verify(tx, vc.Genesis, vc.NextNonce); err != nil {
				return &BlockTransactionError{Index: i, Err: err}
			}

		default:
			return &BlockTransactionError{Index: i, Err: transaction.ErrInvalidContent}
		}
	}

	if Merkle(b.hashes()) != b.Header.Transactions {
		return ErrInvalidTransactions
	}
	return nil
}

// SerializedBlock is an encoded block as agreed on by consensus.
type SerializedBlock []byte

// ID is the hash of the block's header.
func (b SerializedBlock) ID() tendermint.BlockID {
	var h Header
	copy(h.Parent[:], b[:32])
	copy(h.Transactions[:], b[32:HeaderSize])
	return tendermint.BlockID(h.Hash())
}

func (b SerializedBlock) Bytes() []byte { return b }

// ReadSerializedBlock accepts anything long enough to carry a header and
// transaction count. Full decoding is left to validation.
func ReadSerializedBlock(data []byte) (tendermint.Block, error) {
	if len(data) < HeaderSize+4 {
		return nil, errors.New("block is too short")
	}
	return SerializedBlock(slices.Clone(data)), nil
}
