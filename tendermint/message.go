package tendermint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Step is a step within a round.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Data is the content of a consensus message. Which fields are meaningful
// depends on Step: a proposal carries Block and optionally ValidRound, a
// prevote optionally carries ID, and a precommit optionally carries ID with
// CommitSig. A nil ID is a vote for nothing.
type Data struct {
	Step Step

	ValidRound *uint32
	Block      Block

	ID        *BlockID
	CommitSig Signature
}

// Proposal proposes block, optionally claiming it was valid in validRound.
func Proposal(validRound *uint32, block Block) Data {
	return Data{Step: StepPropose, ValidRound: validRound, Block: block}
}

// Prevote votes for id, or for nothing if id is nil.
func Prevote(id *BlockID) Data {
	return Data{Step: StepPrevote, ID: id}
}

// Precommit commits to id with sig over the commit message, or to nothing
// if id is nil.
func Precommit(id *BlockID, sig Signature) Data {
	d := Data{Step: StepPrecommit, ID: id}
	if id != nil {
		d.CommitSig = sig
	}
	return d
}

// Equal compares two datas. Precommit signatures are disregarded.
func (d Data) Equal(o Data) bool {
	if d.Step != o.Step {
		return false
	}
	switch d.Step {
	case StepPropose:
		if (d.ValidRound == nil) != (o.ValidRound == nil) {
			return false
		}
		if d.ValidRound != nil && *d.ValidRound != *o.ValidRound {
			return false
		}
		return bytes.Equal(d.Block.Bytes(), o.Block.Bytes())
	default:
		if (d.ID == nil) != (o.ID == nil) {
			return false
		}
		return d.ID == nil || *d.ID == *o.ID
	}
}

// Message is an unsigned consensus message.
type Message struct {
	Sender ValidatorID
	Block  uint64
	Round  uint32
	Data   Data
}

// SignedMessage is a consensus message with its sender's signature over
// Message.Bytes.
type SignedMessage struct {
	Msg Message
	Sig Signature
}

// ErrMalformedMessage indicates a message could not be decoded.
var ErrMalformedMessage = errors.New("malformed tendermint message")

// Bytes encodes the message. All integers are little endian.
//
// Format: [sender:32][block:8][round:4][step:1][data]
func (m *Message) Bytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, m.Sender[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.Block)
	buf = binary.LittleEndian.AppendUint32(buf, m.Round)
	buf = append(buf, byte(m.Data.Step))

	d := &m.Data
	switch d.Step {
	case StepPropose:
		if d.ValidRound == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint32(buf, *d.ValidRound)
		}
		block := d.Block.Bytes()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(block)))
		buf = append(buf, block...)
	case StepPrevote, StepPrecommit:
		if d.ID == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = append(buf, d.ID[:]...)
			if d.Step == StepPrecommit {
				buf = append(buf, d.CommitSig[:]...)
			}
		}
	}
	return buf
}

// VerifySignature checks the message was signed by its sender.
func (sm *SignedMessage) VerifySignature(scheme SignatureScheme) bool {
	return scheme.Verify(sm.Msg.Sender, sm.Msg.Bytes(), sm.Sig)
}

// Bytes encodes the signed message as the message followed by the signature.
func (sm *SignedMessage) Bytes() []byte {
	return append(sm.Msg.Bytes(), sm.Sig[:]...)
}

// DecodeSignedMessage decodes a signed message, using readBlock to decode
// any proposed block. Trailing bytes are rejected.
func DecodeSignedMessage(data []byte, readBlock func([]byte) (Block, error)) (*SignedMessage, error) {
	r := bytes.NewReader(data)
	sm, err := ReadSignedMessage(r, readBlock)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, r.Len())
	}
	return sm, nil
}

// ReadSignedMessage reads one signed message from r.
func ReadSignedMessage(r *bytes.Reader, readBlock func([]byte) (Block, error)) (*SignedMessage, error) {
	sm := &SignedMessage{}
	if err := readMessage(r, &sm.Msg, readBlock); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := io.ReadFull(r, sm.Sig[:]); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedMessage, err)
	}
	return sm, nil
}

func readMessage(r *bytes.Reader, m *Message, readBlock func([]byte) (Block, error)) error {
	var header [32 + 8 + 4 + 1]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	copy(m.Sender[:], header[:32])
	m.Block = binary.LittleEndian.Uint64(header[32:])
	m.Round = binary.LittleEndian.Uint32(header[40:])
	m.Data.Step = Step(header[44])

	flag, err := r.ReadByte()
	if err != nil {
		return err
	}
	if flag > 1 {
		return fmt.Errorf("invalid option flag %d", flag)
	}

	switch m.Data.Step {
	case StepPropose:
		if flag == 1 {
			var vr [4]byte
			if _, err := io.ReadFull(r, vr[:]); err != nil {
				return err
			}
			round := binary.LittleEndian.Uint32(vr[:])
			m.Data.ValidRound = &round
		}
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return err
		}
		size := binary.LittleEndian.Uint32(n[:])
		if int64(size) > int64(r.Len()) {
			return errors.New("block length exceeds message")
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		block, err := readBlock(raw)
		if err != nil {
			return fmt.Errorf("invalid block: %w", err)
		}
		m.Data.Block = block
	case StepPrevote, StepPrecommit:
		if flag == 1 {
			var id BlockID
			if _, err := io.ReadFull(r, id[:]); err != nil {
				return err
			}
			m.Data.ID = &id
			if m.Data.Step == StepPrecommit {
				if _, err := io.ReadFull(r, m.Data.CommitSig[:]); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("unknown step %d", uint8(m.Data.Step))
	}
	return nil
}
