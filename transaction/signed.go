package transaction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/edgedlt/tributary/internal/crypto"
)

// SignedSize is the encoded size of Signed.
const SignedSize = crypto.PublicKeySize + 4 + crypto.SignatureSize

// Signed is the signer, nonce and signature carried by a signed transaction.
type Signed struct {
	Signer    crypto.PublicKey
	Nonce     uint32
	Signature crypto.Signature
}

// Bytes serializes s as signer || nonce (LE) || signature.
func (s *Signed) Bytes() []byte {
	buf := make([]byte, 0, SignedSize)
	buf = append(buf, s.Signer[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, s.Nonce)
	buf = append(buf, s.Signature[:]...)
	return buf
}

// ReadSigned deserializes a Signed from r.
func ReadSigned(r io.Reader) (*Signed, error) {
	var buf [SignedSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("could not read signed data: %w", err)
	}

	s := &Signed{}
	copy(s.Signer[:], buf[:crypto.PublicKeySize])
	s.Nonce = binary.LittleEndian.Uint32(buf[crypto.PublicKeySize:])
	if s.Nonce >= math.MaxUint32-1 {
		return nil, errors.New("nonce exceeded limit")
	}
	copy(s.Signature[:], buf[crypto.PublicKeySize+4:])
	return s, nil
}
