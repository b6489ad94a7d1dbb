package tendermint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLogReplay(t *testing.T) {
	v := newTestValidators(4)
	l := newMessageLog(v)

	sm := signedBy(v.keys[0], Message{Sender: v.keys[0].Public(), Block: 1, Data: Prevote(nil)})
	require.NoError(t, l.log(sm))
	require.ErrorIs(t, l.log(sm), errAlreadyHandled)
	assert.Same(t, sm, l.get(0, v.keys[0].Public(), StepPrevote))
}

func TestMessageLogConflictingVotes(t *testing.T) {
	v := newTestValidators(4)
	l := newMessageLog(v)
	sender := v.keys[1].Public()
	id := newTestBlock().ID()

	first := signedBy(v.keys[1], Message{Sender: sender, Block: 1, Data: Prevote(nil)})
	second := signedBy(v.keys[1], Message{Sender: sender, Block: 1, Data: Prevote(&id)})
	require.NoError(t, l.log(first))

	err := l.log(second)
	var mal *maliciousError
	require.True(t, errors.As(err, &mal))
	assert.Equal(t, sender, mal.validator)
	assert.Equal(t, []*SignedMessage{first, second}, mal.event.Evidence)
}

func TestMessageLogPrecommitsAcrossRounds(t *testing.T) {
	v := newTestValidators(4)
	l := newMessageLog(v)
	sender := v.keys[2].Public()
	a, b := newTestBlock().ID(), newTestBlock().ID()

	// Relocking onto another block in a later round is honest
	for round, id := range []*BlockID{&a, nil, &a, &b} {
		sm := signedBy(v.keys[2], Message{Sender: sender, Block: 1, Round: uint32(round), Data: Precommit(id, Signature{})})
		require.NoError(t, l.log(sm), "round %d", round)
	}

	// Within a round it's equivocation
	err := l.log(signedBy(v.keys[2], Message{Sender: sender, Block: 1, Round: 3, Data: Precommit(&a, Signature{})}))
	var mal *maliciousError
	require.True(t, errors.As(err, &mal))
	assert.Len(t, mal.event.Evidence, 2)
}

func TestMessageLogRemove(t *testing.T) {
	v := newTestValidators(4)
	l := newMessageLog(v)
	id := newTestBlock().ID()

	key := v.keys[1]
	prevote := signedBy(key, Message{Sender: key.Public(), Block: 1, Round: 2, Data: Prevote(&id)})
	precommit := signedBy(key, Message{Sender: key.Public(), Block: 1, Round: 2, Data: Precommit(&id, Signature{})})
	require.NoError(t, l.log(prevote))
	require.NoError(t, l.log(precommit))
	require.Equal(t, uint64(1), l.roundParticipation(2))

	l.remove(2, key.Public(), StepPrecommit)
	assert.Nil(t, l.get(2, key.Public(), StepPrecommit))
	assert.Equal(t, uint64(1), l.roundParticipation(2), "the prevote still participates")

	l.remove(2, key.Public(), StepPrevote)
	assert.Equal(t, uint64(0), l.roundParticipation(2))

	// Removing what isn't there is a no-op
	l.remove(2, key.Public(), StepPrevote)
	l.remove(7, key.Public(), StepPrevote)

	// Once removed, a message can be logged again
	require.NoError(t, l.log(precommit))
	assert.Same(t, precommit, l.get(2, key.Public(), StepPrecommit))
}

func TestMessageLogTallies(t *testing.T) {
	v := newTestValidators(4)
	l := newMessageLog(v)
	id := newTestBlock().ID()

	for i, key := range v.keys[:3] {
		data := Prevote(&id)
		if i == 2 {
			data = Prevote(nil)
		}
		require.NoError(t, l.log(signedBy(key, Message{Sender: key.Public(), Block: 1, Data: data})))
	}

	participating, agreeing := l.messageInstances(0, Prevote(&id))
	assert.Equal(t, uint64(3), participating)
	assert.Equal(t, uint64(2), agreeing)
	assert.True(t, l.hasParticipation(0, StepPrevote))
	assert.False(t, l.hasParticipation(0, StepPrecommit))
	assert.False(t, l.hasConsensus(0, Prevote(&id)))
	assert.Equal(t, uint64(3), l.roundParticipation(0))
	assert.Equal(t, uint64(0), l.roundParticipation(1))

	key := v.keys[3]
	require.NoError(t, l.log(signedBy(key, Message{Sender: key.Public(), Block: 1, Data: Prevote(&id)})))
	assert.True(t, l.hasConsensus(0, Prevote(&id)))

	l.remove(0, key.Public(), StepPrevote)
	assert.False(t, l.hasConsensus(0, Prevote(&id)))
}
