package tendermint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testTiming() Timing {
	return Timing{BlockProcessingTime: 60 * time.Millisecond, LatencyTime: 20 * time.Millisecond}
}

type testBlock struct {
	data []byte
}

func newTestBlock() *testBlock {
	return &testBlock{data: testutil.RandomBytes(32)}
}

func (b *testBlock) ID() BlockID   { return BlockID(crypto.Hash("test_block", b.data)) }
func (b *testBlock) Bytes() []byte { return b.data }

func readTestBlock(data []byte) (Block, error) {
	if len(data) == 0 {
		return nil, errors.New("empty block")
	}
	return &testBlock{data: append([]byte(nil), data...)}, nil
}

// testValidators is an equally weighted validator set proposing in order.
type testValidators struct {
	keys []*crypto.PrivateKey
}

func newTestValidators(n int) *testValidators {
	return &testValidators{keys: testutil.NewKeys(n)}
}

func (v *testValidators) TotalWeight() uint64 { return uint64(len(v.keys)) }

func (v *testValidators) Weight(id ValidatorID) uint64 {
	for _, k := range v.keys {
		if k.Public() == id {
			return 1
		}
	}
	return 0
}

func (v *testValidators) Proposer(block uint64, round uint32) ValidatorID {
	return v.keys[(block+uint64(round))%uint64(len(v.keys))].Public()
}

func (v *testValidators) Verify(id ValidatorID, msg []byte, sig Signature) bool {
	return v.Weight(id) != 0 && crypto.Verify(id, msg, sig)
}

type testSigner struct {
	key *crypto.PrivateKey
}

func (s testSigner) ValidatorID() (ValidatorID, bool) { return s.key.Public(), true }
func (s testSigner) Sign(msg []byte) Signature        { return s.key.Sign(msg) }

type slashRecord struct {
	validator ValidatorID
	event     SlashEvent
}

type committed struct {
	block  Block
	commit *Commit
}

// testNetwork is one validator's view of an in-memory network.
type testNetwork struct {
	validators *testValidators
	key        *crypto.PrivateKey
	hub        *testHub

	mu        sync.Mutex
	blocks    []committed
	slashes   []slashRecord
	validate  func(Block) error
	broadcast chan *SignedMessage
}

func (n *testNetwork) Signer() Signer                    { return testSigner{n.key} }
func (n *testNetwork) SignatureScheme() SignatureScheme { return n.validators }
func (n *testNetwork) Weights() Weights                  { return n.validators }
func (n *testNetwork) ReadBlock(data []byte) (Block, error) {
	return readTestBlock(data)
}

func (n *testNetwork) Broadcast(sm *SignedMessage) {
	if n.broadcast != nil {
		n.broadcast <- sm
	}
	if n.hub != nil {
		n.hub.send(n.key.Public(), sm)
	}
}

func (n *testNetwork) Slash(validator ValidatorID, event SlashEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slashes = append(n.slashes, slashRecord{validator, event})
}

func (n *testNetwork) Validate(block Block) error {
	n.mu.Lock()
	validate := n.validate
	n.mu.Unlock()
	if validate != nil {
		return validate(block)
	}
	return nil
}

func (n *testNetwork) AddBlock(ctx context.Context, block Block, commit *Commit) Block {
	if !VerifyCommit(n.validators, n.validators, block.ID(), commit) {
		panic("added block with invalid commit")
	}
	n.mu.Lock()
	n.blocks = append(n.blocks, committed{block, commit})
	n.mu.Unlock()
	return newTestBlock()
}

func (n *testNetwork) committed() []committed {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]committed(nil), n.blocks...)
}

func (n *testNetwork) slashed() []slashRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]slashRecord(nil), n.slashes...)
}

// testHub delivers broadcasts to every other registered machine.
type testHub struct {
	mu       sync.Mutex
	machines map[ValidatorID]*Machine
	ctx      context.Context
}

func newTestHub(ctx context.Context) *testHub {
	return &testHub{machines: make(map[ValidatorID]*Machine), ctx: ctx}
}

func (h *testHub) register(id ValidatorID, m *Machine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.machines[id] = m
}

func (h *testHub) send(from ValidatorID, sm *SignedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, m := range h.machines {
		if id == from {
			continue
		}
		m := m
		go func() { _ = m.Deliver(h.ctx, sm) }()
	}
}

// signedBy signs msg as key.
func signedBy(key *crypto.PrivateKey, msg Message) *SignedMessage {
	return &SignedMessage{Msg: msg, Sig: key.Sign(msg.Bytes())}
}
