// Package crypto holds the signature scheme and hash used across Tributary.
//
// Validators are identified by their 32-byte Ed25519 public key. Signatures
// are carried individually (a commit is a list of them), so there is no
// aggregation here.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature indicates Ed25519 signature verification failed.
	ErrInvalidSignature = errors.New("invalid Ed25519 signature")

	// ErrInvalidKeySize indicates wrong key size.
	ErrInvalidKeySize = errors.New("invalid Ed25519 key size")
)

const (
	// PublicKeySize is the size of a public key, and so of a validator ID.
	PublicKeySize = ed25519.PublicKeySize // 32 bytes

	// SeedSize is the size of the seed a private key is derived from.
	SeedSize = ed25519.SeedSize // 32 bytes

	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize // 64 bytes
)

// PublicKey is an Ed25519 public key. It doubles as the validator ID.
type PublicKey [PublicKeySize]byte

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// PrivateKey wraps a stdlib Ed25519 private key.
type PrivateKey struct {
	key ed25519.PrivateKey
	pub PublicKey
}

// GenerateKey generates a new key pair.
func GenerateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return newPrivateKey(priv), nil
}

// PrivateKeyFromSeed derives a key pair from a 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeySize, SeedSize, len(seed))
	}
	return newPrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

func newPrivateKey(priv ed25519.PrivateKey) *PrivateKey {
	sk := &PrivateKey{key: priv}
	copy(sk.pub[:], priv.Public().(ed25519.PublicKey))
	return sk
}

// Public returns the public key corresponding to this private key.
func (sk *PrivateKey) Public() PublicKey {
	return sk.pub
}

// Sign signs a message with this private key.
func (sk *PrivateKey) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(sk.key, message))
	return sig
}

// Seed returns the 32-byte seed this key was derived from.
func (sk *PrivateKey) Seed() []byte {
	return sk.key.Seed()
}

// Verify verifies a signature over a message by pub.
func Verify(pub PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(pub[:], message, sig[:])
}

// PublicKeyFromBytes reconstructs a public key from bytes.
func PublicKeyFromBytes(data []byte) (PublicKey, error) {
	var pk PublicKey
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("%w: expected %d, got %d", ErrInvalidKeySize, PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// String returns hex representation of the public key (first 8 bytes).
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:8]) + "..."
}
