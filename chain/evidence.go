package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/transaction"
)

const (
	evidenceMessages byte = 0
	evidenceVote     byte = 1
)

// SlashVote is a validator's vote to slash target for a fault which can't be
// proven with messages, such as never proposing.
type SlashVote struct {
	Target tendermint.ValidatorID
	// ID identifies the fault being voted on.
	ID [32]byte

	Signer    crypto.PublicKey
	Signature crypto.Signature
}

// EvidenceTx is a chain-level transaction slashing a validator. Exactly one
// of Messages and Vote is set.
type EvidenceTx struct {
	// Messages are one or two encoded signed consensus messages proving
	// misbehavior.
	Messages [][]byte

	Vote *SlashVote
}

// NewSlashEvidence creates a transaction carrying msgs as evidence.
func NewSlashEvidence(msgs ...*tendermint.SignedMessage) *EvidenceTx {
	tx := &EvidenceTx{}
	for _, msg := range msgs {
		tx.Messages = append(tx.Messages, msg.Bytes())
	}
	return tx
}

// SlashVoteID identifies a fault without evidence.
func SlashVoteID(event tendermint.SlashEvent) [32]byte {
	var buf [13]byte
	buf[0] = byte(event.Reason)
	binary.LittleEndian.PutUint64(buf[1:], event.Block)
	binary.LittleEndian.PutUint32(buf[9:], event.Round)
	return crypto.Hash("Tributary Slash Vote ID", buf[:])
}

// VoteSigner signs slash votes. It must sign the way the validator set's
// SignatureScheme verifies.
type VoteSigner interface {
	Public() crypto.PublicKey
	Sign(msg []byte) crypto.Signature
}

// NewSlashVote creates a vote, signed by key, to slash target for event.
func NewSlashVote(key VoteSigner, genesis [32]byte, target tendermint.ValidatorID, event tendermint.SlashEvent) *EvidenceTx {
	tx := &EvidenceTx{Vote: &SlashVote{
		Target: target,
		ID:     SlashVoteID(event),
		Signer: key.Public(),
	}}
	msg := tx.voteSigHash(genesis)
	tx.Vote.Signature = key.Sign(msg[:])
	return tx
}

func (tx *EvidenceTx) voteSigHash(genesis [32]byte) [32]byte {
	hash := tx.Hash()
	return crypto.Hash("Tributary Slash Vote", genesis[:], hash[:])
}

func (tx *EvidenceTx) Kind() transaction.Kind { return transaction.Unsigned() }

// Hash identifies the transaction. A vote's hash excludes its signature.
func (tx *EvidenceTx) Hash() [32]byte {
	b := tx.Bytes()
	if tx.Vote != nil {
		b = b[:len(b)-crypto.SignatureSize]
	}
	return crypto.Hash("Tributary Evidence", b)
}

// Verify checks the evidence is well formed.
func (tx *EvidenceTx) Verify() error {
	if tx.Vote != nil {
		if tx.Messages != nil {
			return fmt.Errorf("%w: evidence is both a vote and messages", transaction.ErrInvalidContent)
		}
		return nil
	}
	if len(tx.Messages) == 0 || len(tx.Messages) > 2 {
		return fmt.Errorf("%w: evidence must have one or two messages", transaction.ErrInvalidContent)
	}
	for _, msg := range tx.Messages {
		if len(msg) == 0 {
			return fmt.Errorf("%w: empty evidence message", transaction.ErrInvalidContent)
		}
	}
	return nil
}

// Bytes encodes the transaction.
//
// Format: [0][count:1]([len:4][message])* or [1][target:32][id:32][signer:32][signature:64]
func (tx *EvidenceTx) Bytes() []byte {
	if v := tx.Vote; v != nil {
		buf := make([]byte, 0, 1+32+32+32+64)
		buf = append(buf, evidenceVote)
		buf = append(buf, v.Target[:]...)
		buf = append(buf, v.ID[:]...)
		buf = append(buf, v.Signer[:]...)
		return append(buf, v.Signature[:]...)
	}

	buf := []byte{evidenceMessages, byte(len(tx.Messages))}
	for _, msg := range tx.Messages {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(msg)))
		buf = append(buf, msg...)
	}
	return buf
}

// ReadEvidenceTx reads an evidence transaction from r.
func ReadEvidenceTx(r *bytes.Reader) (*EvidenceTx, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case evidenceVote:
		v := &SlashVote{}
		for _, field := range [][]byte{v.Target[:], v.ID[:], v.Signer[:], v.Signature[:]} {
			if _, err := io.ReadFull(r, field); err != nil {
				return nil, fmt.Errorf("could not read slash vote: %w", err)
			}
		}
		return &EvidenceTx{Vote: v}, nil
	case evidenceMessages:
		count, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		tx := &EvidenceTx{Messages: make([][]byte, 0, count)}
		for range count {
			var n [4]byte
			if _, err := io.ReadFull(r, n[:]); err != nil {
				return nil, err
			}
			size := binary.LittleEndian.Uint32(n[:])
			if int64(size) > int64(r.Len()) {
				return nil, errors.New("evidence message length exceeds input")
			}
			msg := make([]byte, size)
			if _, err := io.ReadFull(r, msg); err != nil {
				return nil, err
			}
			tx.Messages = append(tx.Messages, msg)
		}
		return tx, nil
	default:
		return nil, errors.New("invalid evidence kind")
	}
}

// EvidenceVerifier checks evidence against the validator set and chain.
type EvidenceVerifier struct {
	Genesis    [32]byte
	Validators Validators
	Timing     tendermint.Timing

	// StartTime returns the canonical start time of round zero of a block:
	// the end time in the prior block's commit.
	StartTime func(number uint64) (uint64, bool)
}

// Verify checks the evidence proves a fault.
func (v *EvidenceVerifier) Verify(tx *EvidenceTx) error {
	if err := tx.Verify(); err != nil {
		return err
	}

	if vote := tx.Vote; vote != nil {
		if v.Validators.Weight(vote.Target) == 0 {
			return fmt.Errorf("%w: slash vote for a non-validator", transaction.ErrInvalidContent)
		}
		msg := tx.voteSigHash(v.Genesis)
		if !v.Validators.Verify(vote.Signer, msg[:], vote.Signature) {
			return transaction.ErrInvalidSignature
		}
		return nil
	}

	msgs := make([]*tendermint.SignedMessage, 0, len(tx.Messages))
	for _, raw := range tx.Messages {
		sm, err := tendermint.DecodeSignedMessage(raw, ReadSerializedBlock)
		if err != nil {
			return fmt.Errorf("%w: %v", transaction.ErrInvalidContent, err)
		}
		if !sm.VerifySignature(v.Validators) {
			return transaction.ErrInvalidSignature
		}
		msgs = append(msgs, sm)
	}

	if len(msgs) == 1 {
		return v.verifySingle(&msgs[0].Msg)
	}
	return verifyConflict(&msgs[0].Msg, &msgs[1].Msg)
}

// verifySingle accepts a message which is malicious on its own.
func (v *EvidenceVerifier) verifySingle(msg *tendermint.Message) error {
	data := &msg.Data
	switch data.Step {
	case tendermint.StepPropose:
		if msg.Sender != v.Validators.Proposer(msg.Block, msg.Round) {
			return nil
		}
		if data.ValidRound != nil && *data.ValidRound >= msg.Round {
			return nil
		}
	case tendermint.StepPrecommit:
		if data.ID == nil {
			break
		}
		start, ok := v.StartTime(msg.Block)
		if !ok {
			return fmt.Errorf("%w: evidence for a block without a known start time", transaction.ErrInvalidContent)
		}
		endTime := v.Timing.RoundEndFromBlockStart(msg.Round, start)
		if !v.Validators.Verify(msg.Sender, tendermint.CommitMessage(endTime, *data.ID), data.CommitSig) {
			return nil
		}
	}
	return fmt.Errorf("%w: message isn't malicious", transaction.ErrInvalidContent)
}

// verifyConflict accepts two messages which conflict.
func verifyConflict(first, second *tendermint.Message) error {
	if first.Block != second.Block || first.Sender != second.Sender {
		return fmt.Errorf("%w: evidence messages are unrelated", transaction.ErrInvalidContent)
	}

	// Precommits for distinct blocks in distinct rounds are a relock, which
	// is honest
	if first.Round != second.Round || first.Data.Step != second.Data.Step || first.Data.Equal(second.Data) {
		return fmt.Errorf("%w: evidence messages don't conflict", transaction.ErrInvalidContent)
	}
	return nil
}
