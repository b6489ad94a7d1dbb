package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/tributary/internal/testutil"
)

// fakeChain is a linear chain of hashes with scripted message handling.
type fakeChain struct {
	genesis      [32]byte
	participants []PeerID
	blocks       [][32]byte
	times        map[[32]byte]uint64

	mu      sync.Mutex
	handled [][]byte
	synced  [][]byte
	gossip  bool
	err     error
}

func newFakeChain(participants []PeerID, length int) *fakeChain {
	c := &fakeChain{
		genesis:      testutil.NewGenesis(),
		participants: participants,
		times:        make(map[[32]byte]uint64),
		gossip:       true,
	}
	for i := range length {
		hash := testutil.NewGenesis()
		c.blocks = append(c.blocks, hash)
		c.times[hash] = uint64(i + 1)
	}
	return c
}

func (c *fakeChain) Genesis() [32]byte        { return c.genesis }
func (c *fakeChain) BlockTime() time.Duration { return time.Hour }
func (c *fakeChain) Participants() []PeerID   { return c.participants }

func (c *fakeChain) TimeOfBlock(h [32]byte) (uint64, bool) {
	at, ok := c.times[h]
	return at, ok
}

func (c *fakeChain) Tip() [32]byte {
	if len(c.blocks) == 0 {
		return c.genesis
	}
	return c.blocks[len(c.blocks)-1]
}

func (c *fakeChain) BlockAfter(hash [32]byte) ([32]byte, bool) {
	if hash == c.genesis && len(c.blocks) > 0 {
		return c.blocks[0], true
	}
	for i, b := range c.blocks[:max(len(c.blocks)-1, 0)] {
		if b == hash {
			return c.blocks[i+1], true
		}
	}
	return [32]byte{}, false
}

func (c *fakeChain) BlockMessage(hash [32]byte) ([]byte, bool) {
	return hash[:], true
}

func (c *fakeChain) HandleMessage(_ context.Context, msg []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, msg)
	return c.gossip, c.err
}

func (c *fakeChain) SyncBlockMessage(_ context.Context, msg []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = append(c.synced, msg)
	return true, nil
}

type routerFixture struct {
	network *LocalNetwork
	self    *LocalPeer
	peer    *LocalPeer
	router  *Router
	chain   *fakeChain
}

// newRouterFixture sets up a router for a node which responds to every
// heartbeat, with one remote peer.
func newRouterFixture(t *testing.T, length int) *routerFixture {
	keys := testutil.NewKeys(2)
	n := NewLocalNetwork()
	self, peer := n.Join(keys[0].Public()), n.Join(keys[1].Public())
	chain := newFakeChain([]PeerID{self.ID(), peer.ID()}, length)
	router := NewRouter(self, self.ID())
	router.Register(chain)
	return &routerFixture{network: n, self: self, peer: peer, router: router, chain: chain}
}

func (f *routerFixture) handle(kind Kind, data []byte) {
	f.router.Handle(context.Background(), &Message{Sender: f.peer.ID(), Kind: kind, Genesis: f.chain.genesis, Data: data})
}

func TestRouterTributaryMessages(t *testing.T) {
	f := newRouterFixture(t, 0)

	f.handle(KindTributary, []byte{1})
	assert.Equal(t, [][]byte{{1}}, f.chain.handled)
	// Gossiped further
	assert.Equal(t, []byte{1}, receive(t, f.peer).Data)

	f.chain.gossip = false
	f.handle(KindTributary, []byte{2})
	requireEmpty(t, f.peer)

	f.chain.gossip, f.chain.err = true, errors.New("invalid")
	f.handle(KindTributary, []byte{3})
	requireEmpty(t, f.peer)
	assert.Len(t, f.chain.handled, 3)

	// Unknown chains are ignored
	f.router.Handle(context.Background(), &Message{Sender: f.peer.ID(), Kind: KindTributary, Genesis: testutil.NewGenesis()})
	assert.Len(t, f.chain.handled, 3)

	f.router.Unregister(f.chain.genesis)
	f.handle(KindTributary, []byte{4})
	assert.Len(t, f.chain.handled, 3)
}

func TestRouterAnswersHeartbeat(t *testing.T) {
	f := newRouterFixture(t, 3)

	f.handle(KindHeartbeat, f.chain.genesis[:])
	for _, hash := range f.chain.blocks {
		msg := receive(t, f.peer)
		assert.Equal(t, KindBlock, msg.Kind)
		assert.Equal(t, hash[:], msg.Data)
	}

	// Only blocks after the requester's tip are sent
	f.handle(KindHeartbeat, f.chain.blocks[1][:])
	assert.Equal(t, f.chain.blocks[2][:], receive(t, f.peer).Data)
	requireEmpty(t, f.peer)

	// The third heartbeat within a block time is dropped
	f.handle(KindHeartbeat, f.chain.genesis[:])
	requireEmpty(t, f.peer)

	// A different sender has its own allowance
	other := f.network.Join(testutil.NewKey().Public())
	f.router.Handle(context.Background(), &Message{Sender: other.ID(), Kind: KindHeartbeat, Genesis: f.chain.genesis, Data: f.chain.blocks[1][:]})
	assert.Equal(t, f.chain.blocks[2][:], receive(t, other).Data)

	// Malformed heartbeats are ignored
	f.router.Handle(context.Background(), &Message{Sender: other.ID(), Kind: KindHeartbeat, Genesis: f.chain.genesis, Data: []byte{1}})
	requireEmpty(t, other)
}

func TestRouterUnselectedIgnoresHeartbeat(t *testing.T) {
	f := newRouterFixture(t, 3)
	// Make the set large enough that we're outside the responders
	participants := make([]PeerID, 0, 10)
	for range 9 {
		participants = append(participants, testutil.NewKey().Public())
	}
	f.chain.participants = append(participants, f.self.ID())
	// An offset of zero selects the first three
	tip := &f.chain.blocks[len(f.chain.blocks)-1]
	clear(tip[:8])
	require.False(t, Responds(f.self.ID(), f.chain.participants, *tip))

	f.handle(KindHeartbeat, f.chain.genesis[:])
	requireEmpty(t, f.peer)
}

func TestRouterSyncsBlocks(t *testing.T) {
	f := newRouterFixture(t, 0)
	f.handle(KindBlock, []byte("block"))
	assert.Equal(t, [][]byte{[]byte("block")}, f.chain.synced)
}

func TestRouterRun(t *testing.T) {
	f := newRouterFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	f.peer.Send(f.self.ID(), KindBlock, f.chain.genesis, []byte{9})
	require.Eventually(t, func() bool {
		f.chain.mu.Lock()
		defer f.chain.mu.Unlock()
		return len(f.chain.synced) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// A closed transport ends the loop with an error
	f.network.Leave(f.self.ID())
	require.ErrorIs(t, f.router.Run(context.Background()), ErrClosed)
}

func TestHeartbeatBeat(t *testing.T) {
	f := newRouterFixture(t, 2)
	now := time.UnixMilli(0)
	h := NewHeartbeat(f.self, f.router, WithStaleness(time.Second))
	h.now = func() time.Time { return now }

	// The tip is at 2ms, not stale yet
	assert.Equal(t, 0, h.Beat())

	now = time.UnixMilli(2000)
	assert.Equal(t, 1, h.Beat())
	msg := receive(t, f.peer)
	assert.Equal(t, KindHeartbeat, msg.Kind)
	tip := f.chain.Tip()
	assert.Equal(t, tip[:], msg.Data)

	assert.Equal(t, HeartbeatBlocks*time.Hour, h.interval())
}

func TestHeartbeatRun(t *testing.T) {
	f := newRouterFixture(t, 0)
	h := NewHeartbeat(f.self, f.router, WithStaleness(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	// A chain at genesis is always stale
	msg := receive(t, f.peer)
	assert.Equal(t, f.chain.genesis[:], msg.Data)

	cancel()
	require.NoError(t, <-done)
}
