package tendermint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/tributary/timer"
)

// DefaultMessageBuffer is the capacity of the inbound message channel.
const DefaultMessageBuffer = 256

// Config configures a Machine.
type Config struct {
	// Network is the system being provided consensus over.
	Network Network

	// Timing configures the round timeouts.
	Timing Timing

	// LastBlock is the number of the last finalized block. The machine
	// decides LastBlock+1.
	LastBlock uint64

	// LastTime is the canonical time the first round starts at: the end time
	// in the last block's commit, or the chain's start time.
	LastTime uint64

	// Proposal is the block to propose if we are the first proposer.
	Proposal Block

	// Timer drives step timeouts. Defaults to a timer.RealTimer.
	Timer timer.Timer

	// MessageBuffer is the capacity of the inbound message channel.
	MessageBuffer int

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, if set, records consensus metrics.
	Metrics *Metrics
}

type syncRequest struct {
	number uint64
	block  Block
	commit *Commit
	result chan bool
}

// Machine executes the Tendermint protocol for a sequence of heights.
//
// All consensus state is owned by the goroutine started by Start. Other
// goroutines interact with it through Deliver and SyncBlock.
type Machine struct {
	network Network
	signer  Signer
	scheme  SignatureScheme
	weights Weights
	timing  Timing
	timer   timer.Timer
	logger  *zap.Logger
	metrics *Metrics

	validatorID *ValidatorID
	lastTime    uint64

	// Our own messages, signed, handled before anything received.
	queue []*SignedMessage

	msgs   chan *SignedMessage
	synced chan *syncRequest

	block *blockData
	armed armedTimeout

	height atomic.Uint64
	round  atomic.Uint32

	mu         sync.Mutex
	started    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	cancelFunc context.CancelFunc
}

type armedTimeout struct {
	set    bool
	height uint64
	round  uint32
	step   Step
	at     uint64
}

// New creates a machine which will decide block cfg.LastBlock+1 once started.
func New(cfg Config) (*Machine, error) {
	if cfg.Network == nil {
		return nil, errors.New("tendermint: network is required")
	}
	if cfg.Timing.BlockProcessingTime <= 0 || cfg.Timing.LatencyTime <= 0 {
		return nil, errors.New("tendermint: timing must be positive")
	}
	if cfg.Timer == nil {
		cfg.Timer = timer.NewRealTimer()
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = DefaultMessageBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	signer := cfg.Network.Signer()
	weights := cfg.Network.Weights()
	if weights.TotalWeight() == 0 {
		return nil, errors.New("tendermint: validator set has no weight")
	}

	m := &Machine{
		network:  cfg.Network,
		signer:   signer,
		scheme:   cfg.Network.SignatureScheme(),
		weights:  weights,
		timing:   cfg.Timing,
		timer:    cfg.Timer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		lastTime: cfg.LastTime,
		msgs:     make(chan *SignedMessage, cfg.MessageBuffer),
		synced:   make(chan *syncRequest),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	if id, ok := signer.ValidatorID(); ok {
		m.validatorID = &id
	}
	m.block = newBlockData(weights, cfg.LastBlock+1, m.validatorID, cfg.Proposal)
	m.height.Store(cfg.LastBlock + 1)
	return m, nil
}

// Start starts the machine. A machine can only be started once.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("tendermint: machine already started")
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFunc = cancel

	m.logger.Info("starting tendermint machine",
		zap.Uint64("block", m.block.number),
		zap.Uint64("start_time", m.lastTime))

	go m.run(ctx)
	return nil
}

// Stop stops the machine and waits for it to exit.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopChan:
		return
	default:
		close(m.stopChan)
	}

	if m.cancelFunc != nil {
		m.cancelFunc()
		<-m.doneChan
	}
	m.timer.Stop()
	m.logger.Info("stopped tendermint machine")
}

// Height is the block number currently being decided.
func (m *Machine) Height() uint64 {
	return m.height.Load()
}

// Round is the round currently being executed.
func (m *Machine) Round() uint32 {
	return m.round.Load()
}

// Deliver hands a message received from the network to the machine. It
// blocks while the inbound buffer is full.
func (m *Machine) Deliver(ctx context.Context, sm *SignedMessage) error {
	select {
	case <-m.stopChan:
		return errors.New("tendermint: machine stopped")
	default:
	}

	select {
	case m.msgs <- sm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopChan:
		return errors.New("tendermint: machine stopped")
	}
}

// SyncBlock adds a block finalized elsewhere, identified by commit. It
// returns false if the block isn't for the current height or the commit
// doesn't verify.
func (m *Machine) SyncBlock(ctx context.Context, number uint64, block Block, commit *Commit) (bool, error) {
	req := &syncRequest{number: number, block: block, commit: commit, result: make(chan bool, 1)}
	select {
	case m.synced <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.stopChan:
		return false, errors.New("tendermint: machine stopped")
	}

	select {
	case ok := <-req.result:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.doneChan:
		return false, errors.New("tendermint: machine stopped")
	}
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.doneChan)

	// If the last block hasn't ended yet, wait for it to
	if !m.sleepUntil(ctx, m.lastTime) {
		return
	}
	start := m.lastTime
	m.startRound(0, &start)

	for {
		// Priority 1: shutdown
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		default:
		}

		// Priority 2: blocks synced externally, which make everything else
		// for this height irrelevant
		select {
		case req := <-m.synced:
			m.onSyncedBlock(ctx, req)
			continue
		default:
		}

		// Priority 3: our own messages, so we fail before broadcasting
		// anything invalid
		if len(m.queue) > 0 {
			sm := m.queue[0]
			m.queue = m.queue[1:]
			m.handle(ctx, sm, true)
			continue
		}

		m.armTimer()

		// Priority 4: timeouts
		select {
		case <-m.timer.C():
			m.onTimeout()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case req := <-m.synced:
			m.onSyncedBlock(ctx, req)
		case <-m.timer.C():
			m.onTimeout()
		case sm := <-m.msgs:
			if !sm.VerifySignature(m.scheme) {
				m.metrics.rejected("signature")
				m.logger.Debug("dropping message with invalid signature",
					zap.Stringer("sender", sm.Msg.Sender))
				continue
			}
			m.handle(ctx, sm, false)
		}
	}
}

// broadcast signs data for the current round and queues it.
func (m *Machine) broadcast(data Data) {
	msg := m.block.message(data)
	if msg == nil {
		return
	}
	m.queue = append(m.queue, &SignedMessage{Msg: *msg, Sig: m.signer.Sign(msg.Bytes())})
}

// startRound moves to round, returning true if we proposed.
func (m *Machine) startRound(round uint32, start *uint64) bool {
	proposer := m.weights.Proposer(m.block.number, round)
	data := m.block.newRound(m.timing, round, proposer, start)
	m.round.Store(round)
	m.metrics.newRound(m.block.number, round)
	m.logger.Debug("starting round",
		zap.Uint64("block", m.block.number),
		zap.Uint32("round", round),
		zap.Stringer("proposer", proposer))

	if data != nil {
		m.broadcast(*data)
		return true
	}
	return false
}

// reset sleeps until the finalized round's end and starts the next height.
func (m *Machine) reset(ctx context.Context, endTime uint64, proposal Block) {
	if !m.sleepUntil(ctx, endTime) {
		return
	}

	m.queue = nil
	m.block = newBlockData(m.weights, m.block.number+1, m.validatorID, proposal)
	m.height.Store(m.block.number)
	m.startRound(0, &endTime)
}

func (m *Machine) sleepUntil(ctx context.Context, at uint64) bool {
	d := time.Until(canonicalTime(at))
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopChan:
		return false
	}
}

func (m *Machine) slash(validator ValidatorID, event SlashEvent) {
	if _, ok := m.block.slashes[validator]; ok {
		return
	}
	m.block.slashes[validator] = struct{}{}
	if len(event.Evidence) == 0 {
		event.Block = m.block.number
		event.Round = m.block.round.number
	}

	m.metrics.slashed(len(event.Evidence) != 0)
	m.logger.Warn("slashing validator",
		zap.Stringer("validator", validator),
		zap.Uint64("block", m.block.number),
		zap.Int("evidence", len(event.Evidence)))
	m.network.Slash(validator, event)
}

func (m *Machine) armTimer() {
	step, at, ok := m.block.round.nextTimeout()
	if !ok {
		if m.armed.set {
			m.timer.Stop()
			m.armed = armedTimeout{}
		}
		return
	}

	want := armedTimeout{set: true, height: m.block.number, round: m.block.round.number, step: step, at: at}
	if m.armed == want {
		return
	}
	m.armed = want
	m.timer.Reset(time.Until(canonicalTime(at)))
}

func (m *Machine) onTimeout() {
	m.armed = armedTimeout{}

	round := m.block.round
	step, at, ok := round.nextTimeout()
	if !ok || at > CanonicalNow() {
		// Stale expiry, the timer is re-armed on the next iteration
		return
	}
	delete(round.timeouts, step)
	m.metrics.timeout(step)

	switch step {
	case StepPropose:
		if round.step == StepPropose {
			m.logger.Debug("validator didn't propose when they should have",
				zap.Uint64("block", m.block.number),
				zap.Uint32("round", round.number))
			m.slash(m.weights.Proposer(m.block.number, round.number), SlashEvent{Reason: SlashFailToPropose})
			m.broadcast(Prevote(nil))
		}
	case StepPrevote:
		if round.step == StepPrevote {
			m.broadcast(Precommit(nil, Signature{}))
		}
	case StepPrecommit:
		m.startRound(round.number+1, nil)
	}
}

func (m *Machine) onSyncedBlock(ctx context.Context, req *syncRequest) {
	if req.number != m.block.number {
		req.result <- false
		return
	}
	if !VerifyCommit(m.scheme, m.weights, req.block.ID(), req.commit) {
		m.logger.Warn("synced block had an invalid commit", zap.Uint64("block", req.number))
		req.result <- false
		return
	}

	next := m.network.AddBlock(ctx, req.block, req.commit)
	if next == nil {
		req.result <- false
		return
	}
	m.metrics.synced()
	m.logger.Info("added synced block", zap.Uint64("block", req.number))
	m.reset(ctx, req.commit.EndTime, next)
	req.result <- true
}

// handle processes one message, either ours or one received.
func (m *Machine) handle(ctx context.Context, sm *SignedMessage, ours bool) {
	finalized, err := m.message(sm)

	var mal *maliciousError
	switch {
	case err == nil:
	case errors.As(err, &mal):
		if ours && (m.validatorID == nil || mal.validator == *m.validatorID) {
			panic(fmt.Sprintf("honest node (ourselves) had invalid behavior: %v", err))
		}
		m.metrics.rejected("malicious")
		m.slash(mal.validator, mal.event)
	case ours:
		panic(fmt.Sprintf("honest node (ourselves) had invalid behavior: %v", err))
	case errors.Is(err, errTemporal):
		m.metrics.rejected("temporal")
	case errors.Is(err, errAlreadyHandled):
		m.metrics.rejected("duplicate")
	}

	if ours {
		m.network.Broadcast(sm)
	}

	if finalized != nil {
		m.finalize(ctx, sm.Msg.Round, finalized)
	}
}

// finalize assembles the commit for block from the round's precommits and
// moves to the next height.
func (m *Machine) finalize(ctx context.Context, round uint32, block Block) {
	if round > m.block.round.number {
		m.block.populateEndTime(m.timing, round)
	}
	endTime := m.block.endTime[round]
	id := block.ID()
	msg := CommitMessage(endTime, id)

	type entry struct {
		validator ValidatorID
		sig       Signature
	}
	var entries []entry
	for validator, msgs := range m.block.log.rounds[round] {
		sm, ok := msgs[StepPrecommit]
		if !ok || sm.Msg.Data.ID == nil || *sm.Msg.Data.ID != id {
			continue
		}
		if !m.scheme.Verify(validator, msg, sm.Msg.Data.CommitSig) {
			m.block.log.remove(round, validator, StepPrecommit)
			m.slash(validator, SlashEvent{Evidence: []*SignedMessage{sm}})
			continue
		}
		entries = append(entries, entry{validator, sm.Msg.Data.CommitSig})
	}
	slices.SortFunc(entries, func(a, b entry) int { return bytes.Compare(a.validator[:], b.validator[:]) })

	commit := &Commit{EndTime: endTime}
	for _, e := range entries {
		commit.Validators = append(commit.Validators, e.validator)
		commit.Signatures = append(commit.Signatures, e.sig)
	}
	if !VerifyCommit(m.scheme, m.weights, id, commit) {
		// Invalid precommits were pruned, leaving too little weight
		return
	}

	m.metrics.committed()
	m.logger.Info("block has consensus",
		zap.Uint64("block", m.block.number),
		zap.Uint32("round", round),
		zap.Int("signers", len(commit.Validators)))

	next := m.network.AddBlock(ctx, block, commit)
	if next == nil {
		return
	}
	m.reset(ctx, endTime, next)
}

// verifyPrecommitSignature verifies a precommit's commit signature if the
// round's end time is known. It reports whether verification happened.
//
// End times are only computed for rounds we've reached, so a precommit for
// an arbitrarily distant round can't force computing every end time before it.
func (m *Machine) verifyPrecommitSignature(sm *SignedMessage) (bool, error) {
	data := &sm.Msg.Data
	if data.Step != StepPrecommit || data.ID == nil {
		return false, nil
	}
	endTime, ok := m.block.endTime[sm.Msg.Round]
	if !ok {
		return false, nil
	}
	if !m.scheme.Verify(sm.Msg.Sender, CommitMessage(endTime, *data.ID), data.CommitSig) {
		return true, malicious(sm.Msg.Sender, "produced an invalid commit signature", sm)
	}
	return true, nil
}

// message applies a message to the state machine, returning a block if it
// was finalized.
func (m *Machine) message(sm *SignedMessage) (Block, error) {
	msg := &sm.Msg
	if msg.Block != m.block.number {
		return nil, errTemporal
	}

	if _, err := m.verifyPrecommitSignature(sm); err != nil {
		return nil, err
	}

	// Only let the proposer propose
	if msg.Data.Step == StepPropose && msg.Sender != m.weights.Proposer(msg.Block, msg.Round) {
		return nil, malicious(msg.Sender, "proposed without being the proposer", sm)
	}

	if err := m.block.log.log(sm); err != nil {
		return nil, err
	}
	m.metrics.message(msg.Data.Step)

	// Everything but the finalizer and the round jump is locked to the
	// current round

	// 49-54
	if msg.Data.Step == StepPropose || msg.Data.Step == StepPrecommit {
		proposer := m.weights.Proposer(m.block.number, msg.Round)
		if p := m.block.log.get(msg.Round, proposer, StepPropose); p != nil {
			id := p.Msg.Data.Block.ID()
			if m.block.log.hasConsensus(msg.Round, Precommit(&id, Signature{})) {
				return p.Msg.Data.Block, nil
			}
		}
	}

	current := m.block.round.number
	if msg.Round < current {
		return nil, nil
	}
	if msg.Round > current {
		// 55-56
		if m.block.log.roundParticipation(msg.Round) <= FaultThreshold(m.weights) {
			return nil, nil
		}
		m.jump(msg.Round)
		if m.startRound(msg.Round, nil) {
			// Our proposal is queued and will rerun these checks
			return nil, nil
		}
		current = msg.Round
	}

	round := m.block.round
	if round.step == StepPrevote && msg.Data.Step == StepPrevote {
		participation, weight := m.block.log.messageInstances(current, Prevote(nil))
		// 34-35
		if participation >= Threshold(m.weights) {
			round.setTimeout(m.timing, StepPrevote)
		}
		// 44-46
		if weight >= Threshold(m.weights) {
			m.broadcast(Precommit(nil, Signature{}))
			return nil, nil
		}
	}

	// 47-48
	if msg.Data.Step == StepPrecommit && m.block.log.hasParticipation(current, StepPrecommit) {
		round.setTimeout(m.timing, StepPrecommit)
	}

	// Everything further requires the proposal
	proposer := m.weights.Proposer(m.block.number, current)
	p := m.block.log.get(current, proposer, StepPropose)
	if p == nil {
		return nil, nil
	}
	vr := p.Msg.Data.ValidRound
	block := p.Msg.Data.Block
	id := block.ID()

	// 22-33
	if round.step == StepPropose {
		// Slash only after voting
		valid := true
		var slashErr error
		if err := m.network.Validate(block); err != nil {
			valid = false
			if errors.Is(err, ErrFatal) {
				m.logger.Warn("validator proposed a fatally invalid block",
					zap.Stringer("proposer", proposer), zap.Error(err))
				slashErr = &maliciousError{
					validator: proposer,
					reason:    "proposed a fatally invalid block",
					event:     SlashEvent{Reason: SlashInvalidBlock},
				}
			}
		}

		// Unlocked counts as locked in round -1, satisfying 23 and 29
		var vote *BlockID
		if valid && (m.block.locked == nil || m.block.locked.id == id) {
			vote = &id
		}

		if vr == nil {
			m.broadcast(Prevote(vote))
			return nil, slashErr
		}

		if *vr >= current {
			return nil, malicious(proposer, "claimed a round from the future was valid", p)
		}
		if m.block.log.hasConsensus(*vr, Prevote(&id)) {
			// A newer valid round unlocks us
			if vote == nil && valid && m.block.locked.round <= *vr {
				vote = &id
			}
			m.broadcast(Prevote(vote))
			return nil, slashErr
		}
		// Wait for the prevotes justifying the valid round
		return nil, nil
	}

	// 36-43, run once per round: valid is set whenever this succeeds
	if m.block.valid == nil || m.block.valid.round != current {
		if m.block.log.hasConsensus(current, Prevote(&id)) {
			if err := m.network.Validate(block); errors.Is(err, ErrFatal) {
				return nil, &maliciousError{
					validator: proposer,
					reason:    "proposed a fatally invalid block",
					event:     SlashEvent{Reason: SlashInvalidBlock},
				}
			}

			m.block.valid = &validValue{round: current, block: block}
			if round.step == StepPrevote {
				m.block.locked = &lockedValue{round: current, id: id}
				sig := m.signer.Sign(CommitMessage(m.block.endTime[current], id))
				m.broadcast(Precommit(&id, sig))
			}
		}
	}

	return nil, nil
}

// jump prepares to move to a future round: precommits already logged for it
// have their signatures verified, and invalid ones are dropped and slashed.
func (m *Machine) jump(round uint32) {
	m.block.populateEndTime(m.timing, round)
	for validator, msgs := range m.block.log.rounds[round] {
		sm, ok := msgs[StepPrecommit]
		if !ok {
			continue
		}
		if _, err := m.verifyPrecommitSignature(sm); err != nil {
			m.block.log.remove(round, validator, StepPrecommit)
			var mal *maliciousError
			if errors.As(err, &mal) {
				m.slash(validator, mal.event)
			}
		}
	}
}
