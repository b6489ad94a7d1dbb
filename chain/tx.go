package chain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/edgedlt/tributary/transaction"
)

const (
	tagEvidence    byte = 0
	tagApplication byte = 1
)

// EncodeTx encodes a transaction as it appears on chain: a tag separating
// evidence from application transactions, then the transaction.
func EncodeTx(tx transaction.Transaction) []byte {
	tag := tagApplication
	if _, ok := tx.(*EvidenceTx); ok {
		tag = tagEvidence
	}
	return append([]byte{tag}, tx.Bytes()...)
}

// ReadTx reads one on-chain transaction, decoding application transactions
// with reader.
func ReadTx(r *bytes.Reader, reader transaction.Reader) (transaction.Transaction, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("could not read transaction tag: %w", err)
	}
	switch tag {
	case tagEvidence:
		return ReadEvidenceTx(r)
	case tagApplication:
		return reader(r)
	default:
		return nil, errors.New("invalid transaction tag")
	}
}

// DecodeTx decodes a single on-chain transaction, rejecting trailing bytes.
func DecodeTx(data []byte, reader transaction.Reader) (transaction.Transaction, error) {
	r := bytes.NewReader(data)
	tx, err := ReadTx(r, reader)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("transaction has %d trailing bytes", r.Len())
	}
	return tx, nil
}
