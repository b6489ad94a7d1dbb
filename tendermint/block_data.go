package tendermint

type lockedValue struct {
	round uint32
	id    BlockID
}

type validValue struct {
	round uint32
	block Block
}

// blockData is the consensus state for the height being decided.
//
// Only the machine's run goroutine touches it.
type blockData struct {
	number      uint64
	validatorID *ValidatorID
	proposal    Block

	log     *messageLog
	slashes map[ValidatorID]struct{}

	// End times of the current round and every round prior. Used both for
	// the start time of the next round and to verify precommits, which sign
	// the end time of the round producing them.
	endTime map[uint32]uint64

	round *roundData

	locked *lockedValue
	valid  *validValue
}

func newBlockData(weights Weights, number uint64, validatorID *ValidatorID, proposal Block) *blockData {
	return &blockData{
		number:      number,
		validatorID: validatorID,
		proposal:    proposal,
		log:         newMessageLog(weights),
		slashes:     make(map[ValidatorID]struct{}),
		endTime:     make(map[uint32]uint64),
	}
}

// populateEndTime fills in end times for every round after the current one
// up to round, as if each ran to its timeout.
func (b *blockData) populateEndTime(t Timing, round uint32) {
	for r := b.round.number + 1; r <= round && r > b.round.number; r++ {
		if _, ok := b.endTime[r]; ok {
			continue
		}
		b.endTime[r] = t.RoundEnd(r, b.endTime[r-1])
	}
}

// newRound moves to round. start is only set for round zero; later rounds
// start when the prior round ends. Returns the proposal to broadcast if we
// are the proposer.
func (b *blockData) newRound(t Timing, round uint32, proposer ValidatorID, start *uint64) *Data {
	if round != 0 {
		b.populateEndTime(t, round-1)
	}

	var begin uint64
	if start != nil {
		begin = *start
	} else {
		begin = b.endTime[round-1]
	}
	b.round = newRoundData(round, begin)
	b.endTime[round] = b.round.endTime(t)

	if b.validatorID != nil && *b.validatorID == proposer {
		if b.valid != nil {
			vr := b.valid.round
			data := Proposal(&vr, b.valid.block)
			return &data
		}
		if b.proposal != nil {
			data := Proposal(nil, b.proposal)
			return &data
		}
	}

	b.round.setTimeout(t, StepPropose)
	return nil
}

// message contextualizes data into a message for the current round and moves
// to data's step. Returns nil if we aren't a validator.
func (b *blockData) message(data Data) *Message {
	b.round.step = data.Step
	if b.validatorID == nil {
		return nil
	}
	return &Message{
		Sender: *b.validatorID,
		Block:  b.number,
		Round:  b.round.number,
		Data:   data,
	}
}
