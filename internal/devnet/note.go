package devnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/transaction"
)

// MaxNoteSize bounds a note's text.
const MaxNoteSize = 1024

// Note is a signed application transaction carrying a short text.
type Note struct {
	Text   []byte
	Signed transaction.Signed
}

// NewNote creates a note signed by key.
func NewNote(genesis [32]byte, key *crypto.PrivateKey, nonce uint32, text []byte) *Note {
	n := &Note{Text: text, Signed: transaction.Signed{Signer: key.Public(), Nonce: nonce}}
	n.Signed.Signature = transaction.Sign(key, genesis, n)
	return n
}

func (n *Note) Kind() transaction.Kind { return transaction.SignedBy(&n.Signed) }

// Hash commits to everything but the signature.
func (n *Note) Hash() [32]byte {
	var nonce [4]byte
	binary.LittleEndian.PutUint32(nonce[:], n.Signed.Nonce)
	return crypto.Hash("Devnet Note", n.Text, n.Signed.Signer[:], nonce[:])
}

func (n *Note) Verify() error {
	if len(n.Text) == 0 || len(n.Text) > MaxNoteSize {
		return fmt.Errorf("%w: note is %d bytes", transaction.ErrInvalidContent, len(n.Text))
	}
	return nil
}

// Bytes encodes the note as [len:2][text][signed].
func (n *Note) Bytes() []byte {
	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(n.Text)))
	buf = append(buf, n.Text...)
	return append(buf, n.Signed.Bytes()...)
}

// ReadNote is a transaction.Reader for notes.
func ReadNote(r *bytes.Reader) (transaction.Transaction, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(size[:]))
	if n > MaxNoteSize {
		return nil, errors.New("note exceeds the size limit")
	}
	note := &Note{Text: make([]byte, n)}
	if _, err := io.ReadFull(r, note.Text); err != nil {
		return nil, err
	}
	signed, err := transaction.ReadSigned(r)
	if err != nil {
		return nil, err
	}
	note.Signed = *signed
	return note, nil
}
