// Package testutil provides transactions and keys for tests.
package testutil

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/transaction"
)

const (
	tagProvided byte = iota
	tagSigned
	tagUnsigned
)

// ProvidedOrder is the orderer used by ProvidedTx.
const ProvidedOrder = "provided"

// ProvidedTx is a provided transaction carrying opaque data.
type ProvidedTx struct {
	Data []byte
}

func (tx *ProvidedTx) Kind() transaction.Kind { return transaction.Provided(ProvidedOrder) }
func (tx *ProvidedTx) Hash() [32]byte          { return crypto.Hash("provided", tx.Bytes()) }
func (tx *ProvidedTx) Verify() error           { return nil }
func (tx *ProvidedTx) Bytes() []byte           { return encode(tagProvided, tx.Data) }

// UnsignedTx is an unsigned transaction carrying opaque data.
type UnsignedTx struct {
	Data []byte
}

func (tx *UnsignedTx) Kind() transaction.Kind { return transaction.Unsigned() }
func (tx *UnsignedTx) Hash() [32]byte          { return crypto.Hash("unsigned", tx.Bytes()) }
func (tx *UnsignedTx) Verify() error           { return nil }
func (tx *UnsignedTx) Bytes() []byte           { return encode(tagUnsigned, tx.Data) }

// SignedTx is a signed transaction carrying opaque data.
type SignedTx struct {
	Data   []byte
	Signed transaction.Signed

	// Invalid makes Verify fail, for exercising content errors.
	Invalid bool
}

func (tx *SignedTx) Kind() transaction.Kind { return transaction.SignedBy(&tx.Signed) }

// Hash excludes the trailing signature.
func (tx *SignedTx) Hash() [32]byte {
	b := tx.Bytes()
	return crypto.Hash("signed", b[:len(b)-crypto.SignatureSize])
}

func (tx *SignedTx) Verify() error {
	if tx.Invalid {
		return transaction.ErrInvalidContent
	}
	return nil
}

func (tx *SignedTx) Bytes() []byte {
	b := encode(tagSigned, tx.Data)
	if tx.Invalid {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return append(b, tx.Signed.Bytes()...)
}

func encode(tag byte, data []byte) []byte {
	b := make([]byte, 0, 5+len(data))
	b = append(b, tag)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

// ReadTx is a transaction.Reader for the transactions in this package.
func ReadTx(r *bytes.Reader) (transaction.Transaction, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(n[:])
	if int64(size) > int64(r.Len()) {
		return nil, errors.New("transaction data exceeds input")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	switch tag {
	case tagProvided:
		return &ProvidedTx{Data: data}, nil
	case tagUnsigned:
		return &UnsignedTx{Data: data}, nil
	case tagSigned:
		invalid, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		signed, err := transaction.ReadSigned(r)
		if err != nil {
			return nil, err
		}
		return &SignedTx{Data: data, Signed: *signed, Invalid: invalid == 1}, nil
	default:
		return nil, fmt.Errorf("unknown transaction tag %d", tag)
	}
}

// RandomBytes returns n random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// NewGenesis returns a random genesis.
func NewGenesis() [32]byte {
	var g [32]byte
	copy(g[:], RandomBytes(32))
	return g
}

// NewKey returns a random key, panicking on failure.
func NewKey() *crypto.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// NewKeys returns n random keys.
func NewKeys(n int) []*crypto.PrivateKey {
	keys := make([]*crypto.PrivateKey, n)
	for i := range keys {
		keys[i] = NewKey()
	}
	return keys
}

// NewProvidedTx returns a provided transaction with random data.
func NewProvidedTx() *ProvidedTx {
	return &ProvidedTx{Data: RandomBytes(512)}
}

// NewUnsignedTx returns an unsigned transaction with random data.
func NewUnsignedTx() *UnsignedTx {
	return &UnsignedTx{Data: RandomBytes(64)}
}

// NewSignedTx returns a transaction with random data signed by key.
func NewSignedTx(genesis [32]byte, key *crypto.PrivateKey, nonce uint32) *SignedTx {
	tx := &SignedTx{
		Data:   RandomBytes(512),
		Signed: transaction.Signed{Signer: key.Public(), Nonce: nonce},
	}
	tx.Signed.Signature = transaction.Sign(key, genesis, tx)
	return tx
}
