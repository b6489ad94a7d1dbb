// Package tendermint implements Tendermint BFT consensus over an abstract
// network of weighted validators.
//
// A Machine agrees on one block per height. Each height runs rounds of
// Propose, Prevote and Precommit steps; the machine locks on a block once it
// sees a weighted supermajority of prevotes for it, and finalizes once it sees
// a weighted supermajority of precommits. Finalization produces a Commit,
// which anyone holding the validator set can verify independently.
//
// The package knows nothing about transactions or storage. Integrators
// provide a Network, which validates and appends blocks, broadcasts messages,
// and handles slashes.
package tendermint

import (
	"context"
	"errors"

	"github.com/edgedlt/tributary/internal/crypto"
)

// ValidatorID identifies a validator.
type ValidatorID = crypto.PublicKey

// Signature is a validator's signature.
type Signature = crypto.Signature

// BlockID is the deterministic, unique ID of a block.
type BlockID [32]byte

// Block classification errors returned (wrapped) by Network.Validate.
var (
	// ErrFatal marks a block which is wholly invalid. Proposing one is slashable.
	ErrFatal = errors.New("invalid block")

	// ErrTemporal marks a block which is syntactically valid yet locally
	// considered invalid, for instance because it depends on data not yet
	// available. It is voted against without slashing.
	ErrTemporal = errors.New("invalid block under local view")
)

// Block is an ordered unit of data being agreed upon.
type Block interface {
	ID() BlockID
	Bytes() []byte
}

// Signer signs on behalf of the local validator.
type Signer interface {
	// ValidatorID returns our ID, or false if we aren't a validator.
	ValidatorID() (ValidatorID, bool)

	// Sign signs msg.
	Sign(msg []byte) Signature
}

// SignatureScheme verifies validators' signatures.
type SignatureScheme interface {
	Verify(validator ValidatorID, msg []byte, sig Signature) bool
}

// Weights describes the voting power of the validator set.
type Weights interface {
	// TotalWeight is the sum of all validators' weights.
	TotalWeight() uint64

	// Weight is a validator's weight, zero for non-validators.
	Weight(validator ValidatorID) uint64

	// Proposer is the validator expected to propose for the given block and round.
	Proposer(block uint64, round uint32) ValidatorID
}

// Threshold is the weight needed for BFT consensus.
func Threshold(w Weights) uint64 {
	return w.TotalWeight()*2/3 + 1
}

// FaultThreshold is the weight which, if faulty, prevents BFT consensus.
// Participation above it guarantees at least one honest participant.
func FaultThreshold(w Weights) uint64 {
	return w.TotalWeight() - Threshold(w) + 1
}

// SlashReason names a fault which cannot be proven with messages alone.
type SlashReason uint8

const (
	// SlashFailToPropose is a proposer which never proposed.
	SlashFailToPropose SlashReason = iota
	// SlashInvalidBlock is a proposer which proposed a fatally invalid block.
	SlashInvalidBlock
)

// SlashEvent describes why a validator is being slashed.
//
// When Evidence is non-empty, the signed messages prove the fault on their
// own. Otherwise the fault is identified by Reason, Block and Round, and the
// network is expected to vote on it.
type SlashEvent struct {
	Reason SlashReason
	Block  uint64
	Round  uint32

	Evidence []*SignedMessage
}

// Network is the distributed system consensus is being provided over.
type Network interface {
	Signer() Signer
	SignatureScheme() SignatureScheme
	Weights() Weights

	// ReadBlock decodes a block carried in a proposal.
	ReadBlock(data []byte) (Block, error)

	// Broadcast sends a message to the other validators.
	Broadcast(msg *SignedMessage)

	// Slash triggers a slash for a validator who was definitively malicious.
	Slash(validator ValidatorID, event SlashEvent)

	// Validate checks a block, returning an error wrapping ErrTemporal or
	// ErrFatal if it is invalid.
	Validate(block Block) error

	// AddBlock appends a finalized block and returns the proposal for the
	// next height.
	//
	// The block may have failed local validation: a supermajority decided on
	// it, and handling that is left to the network. AddBlock may block until
	// the block is durably stored; it returns nil only if ctx is cancelled.
	AddBlock(ctx context.Context, block Block, commit *Commit) Block
}
