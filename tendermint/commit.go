package tendermint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Commit proves a block was finalized: the validators listed, with weight
// meeting the threshold, precommitted to it in the round ending at EndTime.
type Commit struct {
	// EndTime is the canonical end time (Unix milliseconds) of the round
	// which created this commit. It is the start time of the next block.
	EndTime uint64

	Validators []ValidatorID
	Signatures []Signature
}

// CommitMessage is what a validator signs when precommitting to id.
func CommitMessage(endTime uint64, id BlockID) []byte {
	msg := make([]byte, 0, 8+len(id))
	msg = binary.LittleEndian.AppendUint64(msg, endTime)
	return append(msg, id[:]...)
}

// Bytes encodes the commit.
//
// Format: [end_time:8][count:4][validators:32*count][signatures:64*count]
func (c *Commit) Bytes() []byte {
	buf := make([]byte, 0, 12+len(c.Validators)*(32+64))
	buf = binary.LittleEndian.AppendUint64(buf, c.EndTime)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Validators)))
	for _, v := range c.Validators {
		buf = append(buf, v[:]...)
	}
	for _, s := range c.Signatures {
		buf = append(buf, s[:]...)
	}
	return buf
}

// DecodeCommit decodes a commit, rejecting trailing bytes.
func DecodeCommit(data []byte) (*Commit, error) {
	r := bytes.NewReader(data)
	c, err := ReadCommit(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("commit has %d trailing bytes", r.Len())
	}
	return c, nil
}

// ReadCommit reads a commit from r.
func ReadCommit(r *bytes.Reader) (*Commit, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("could not read commit header: %w", err)
	}
	c := &Commit{EndTime: binary.LittleEndian.Uint64(header[:8])}
	n := int64(binary.LittleEndian.Uint32(header[8:]))
	if n*(32+64) > int64(r.Len()) {
		return nil, errors.New("commit signer count exceeds input")
	}

	c.Validators = make([]ValidatorID, n)
	for i := range c.Validators {
		if _, err := io.ReadFull(r, c.Validators[i][:]); err != nil {
			return nil, err
		}
	}
	c.Signatures = make([]Signature, n)
	for i := range c.Signatures {
		if _, err := io.ReadFull(r, c.Signatures[i][:]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// VerifyCommit checks a commit for block id: validators are unique, every
// signature is over CommitMessage, and their weight meets the threshold.
func VerifyCommit(scheme SignatureScheme, weights Weights, id BlockID, c *Commit) bool {
	if len(c.Validators) != len(c.Signatures) {
		return false
	}

	msg := CommitMessage(c.EndTime, id)
	seen := make(map[ValidatorID]struct{}, len(c.Validators))
	var weight uint64
	for i, v := range c.Validators {
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}

		if !scheme.Verify(v, msg, c.Signatures[i]) {
			return false
		}
		weight += weights.Weight(v)
	}
	return weight >= Threshold(weights)
}
