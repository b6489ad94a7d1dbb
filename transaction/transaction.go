// Package transaction defines the contract application transactions satisfy
// to be ordered by a Tributary chain.
package transaction

import (
	"bytes"
	"fmt"

	"github.com/edgedlt/tributary/internal/crypto"
)

// SizeLimit is the largest serialized transaction accepted.
const SizeLimit = 3_000_000

// KindType discriminates the three kinds of transaction. The numeric order
// is the order kinds must appear in within a block.
type KindType uint8

const (
	// KindProvided transactions are supplied by every validator locally, in
	// an exact order per orderer, and never gossiped.
	KindProvided KindType = iota
	// KindUnsigned transactions may only be included by the block producer,
	// and at most once on chain.
	KindUnsigned
	// KindSigned transactions are signed by a validator and nonce ordered.
	KindSigned
)

// String returns the kind name.
func (k KindType) String() string {
	switch k {
	case KindProvided:
		return "provided"
	case KindUnsigned:
		return "unsigned"
	case KindSigned:
		return "signed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Kind is what a transaction reports about itself.
type Kind struct {
	Type KindType

	// Order names the orderer of a provided transaction. Provided
	// transactions with distinct orders are ordered independently.
	Order string

	// Signed is set for signed transactions.
	Signed *Signed
}

// Provided returns the kind of a provided transaction ordered by order.
func Provided(order string) Kind {
	return Kind{Type: KindProvided, Order: order}
}

// Unsigned returns the kind of an unsigned transaction.
func Unsigned() Kind {
	return Kind{Type: KindUnsigned}
}

// SignedBy returns the kind of a signed transaction.
func SignedBy(s *Signed) Kind {
	return Kind{Type: KindSigned, Signed: s}
}

// Transaction is implemented by every transaction a chain orders.
type Transaction interface {
	// Kind reports what kind of transaction this is.
	Kind() Kind

	// Hash identifies the transaction. It must NOT commit to the signature.
	Hash() [32]byte

	// Verify performs transaction-specific, stateless verification.
	Verify() error

	// Bytes serializes the transaction.
	Bytes() []byte
}

// Reader deserializes one application transaction from r.
type Reader func(r *bytes.Reader) (Transaction, error)

// SigHash is the message a signed transaction's signer signs.
//
// Panics if called on a non-signed transaction.
func SigHash(genesis [32]byte, tx Transaction) [32]byte {
	if tx.Kind().Type != KindSigned {
		panic("SigHash called on non-signed transaction")
	}
	hash := tx.Hash()
	return crypto.Hash("Tributary Signed Transaction", genesis[:], hash[:])
}

// Sign produces the signature for a signed transaction. The transaction's
// hash must already commit to the signer and nonce.
func Sign(key *crypto.PrivateKey, genesis [32]byte, tx Transaction) crypto.Signature {
	msg := SigHash(genesis, tx)
	return key.Sign(msg[:])
}

// NonceFunc returns the nonce expected next from signer and advances it, or
// false if signer is not a participant.
type NonceFunc func(signer crypto.PublicKey) (uint32, bool)

// Verify checks tx in the context of a chain: its size, its own
// verification, and for signed transactions the signer, nonce and signature.
func Verify(tx Transaction, genesis [32]byte, nextNonce NonceFunc) error {
	if len(tx.Bytes()) > SizeLimit {
		return ErrTooLargeTransaction
	}

	if err := tx.Verify(); err != nil {
		return err
	}

	kind := tx.Kind()
	if kind.Type != KindSigned {
		return nil
	}

	signed := kind.Signed
	expected, ok := nextNonce(signed.Signer)
	if !ok {
		return ErrInvalidSigner
	}
	if signed.Nonce != expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidNonce, expected, signed.Nonce)
	}

	msg := SigHash(genesis, tx)
	if !crypto.Verify(signed.Signer, msg[:], signed.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
