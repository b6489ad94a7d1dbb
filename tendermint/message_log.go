package tendermint

type roundLog map[ValidatorID]map[Step]*SignedMessage

// messageLog holds every message received for the current height, keyed by
// round, sender and step.
//
// Only messages for the same round and step can conflict. Precommits for
// different blocks in different rounds are how an honest validator relocks.
type messageLog struct {
	weights Weights
	rounds  map[uint32]roundLog
}

func newMessageLog(weights Weights) *messageLog {
	return &messageLog{
		weights: weights,
		rounds:  make(map[uint32]roundLog),
	}
}

// log records a message. Replays return errAlreadyHandled; conflicting
// messages return a maliciousError carrying both messages.
func (l *messageLog) log(sm *SignedMessage) error {
	msg := &sm.Msg
	round, ok := l.rounds[msg.Round]
	if !ok {
		round = make(roundLog)
		l.rounds[msg.Round] = round
	}
	msgs, ok := round[msg.Sender]
	if !ok {
		msgs = make(map[Step]*SignedMessage)
		round[msg.Sender] = msgs
	}

	step := msg.Data.Step
	if existing, ok := msgs[step]; ok {
		if !existing.Msg.Data.Equal(msg.Data) {
			return malicious(msg.Sender, "sent multiple messages for the same block, round and step", existing, sm)
		}
		return errAlreadyHandled
	}

	msgs[step] = sm
	return nil
}

// messageInstances returns the weight which sent a message for data's step
// in round, and the weight which sent exactly data.
func (l *messageLog) messageInstances(round uint32, data Data) (participating, agreeing uint64) {
	for participant, msgs := range l.rounds[round] {
		if sm, ok := msgs[data.Step]; ok {
			weight := l.weights.Weight(participant)
			participating += weight
			if sm.Msg.Data.Equal(data) {
				agreeing += weight
			}
		}
	}
	return participating, agreeing
}

// roundParticipation is the weight which sent any message in round.
func (l *messageLog) roundParticipation(round uint32) uint64 {
	var weight uint64
	for participant := range l.rounds[round] {
		weight += l.weights.Weight(participant)
	}
	return weight
}

// hasParticipation reports whether a supermajority sent a message for step.
func (l *messageLog) hasParticipation(round uint32, step Step) bool {
	var participating uint64
	for participant, msgs := range l.rounds[round] {
		if _, ok := msgs[step]; ok {
			participating += l.weights.Weight(participant)
		}
	}
	return participating >= Threshold(l.weights)
}

// hasConsensus reports whether a supermajority agreed on data.
func (l *messageLog) hasConsensus(round uint32, data Data) bool {
	_, agreeing := l.messageInstances(round, data)
	return agreeing >= Threshold(l.weights)
}

func (l *messageLog) get(round uint32, sender ValidatorID, step Step) *SignedMessage {
	return l.rounds[round][sender][step]
}

// remove drops a message so it no longer counts toward any tally. A sender
// left without messages in round no longer participates in it.
func (l *messageLog) remove(round uint32, sender ValidatorID, step Step) {
	msgs, ok := l.rounds[round][sender]
	if !ok {
		return
	}
	delete(msgs, step)
	if len(msgs) == 0 {
		delete(l.rounds[round], sender)
	}
}
