package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxResponders is the most peers which answer one heartbeat.
const MaxResponders = 3

// DefaultLimiterCacheSize bounds the number of heartbeat senders tracked.
const DefaultLimiterCacheSize = 1024

// Chain is a chain messages can be routed to.
type Chain interface {
	Genesis() [32]byte
	BlockTime() time.Duration

	// Participants are the validators in an order every node agrees on.
	Participants() []PeerID

	Tip() [32]byte
	TimeOfBlock(hash [32]byte) (uint64, bool)
	BlockAfter(hash [32]byte) ([32]byte, bool)
	// BlockMessage is a block followed by its commit.
	BlockMessage(hash [32]byte) ([]byte, bool)

	// HandleMessage handles a tributary message, reporting whether it
	// should be gossiped further.
	HandleMessage(ctx context.Context, msg []byte) (bool, error)
	// SyncBlockMessage adds a block received in response to a heartbeat.
	SyncBlockMessage(ctx context.Context, msg []byte) (bool, error)
}

// Router dispatches messages received over a P2P to the chains registered
// with it.
type Router struct {
	p2p    P2P
	self   PeerID
	logger *zap.Logger

	mu     sync.RWMutex
	chains map[[32]byte]Chain

	// Heartbeat rate limiters, by sender and chain
	limiters *lru.Cache
}

type limiterKey struct {
	sender  PeerID
	genesis [32]byte
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router for the node identified by self.
func NewRouter(p P2P, self PeerID, opts ...RouterOption) *Router {
	limiters, err := lru.New(DefaultLimiterCacheSize)
	if err != nil {
		panic(err)
	}
	r := &Router{
		p2p:      p,
		self:     self,
		logger:   zap.NewNop(),
		chains:   make(map[[32]byte]Chain),
		limiters: limiters,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register routes messages for c's genesis to c.
func (r *Router) Register(c Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[c.Genesis()] = c
}

// Unregister stops routing messages for genesis.
func (r *Router) Unregister(genesis [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chains, genesis)
}

// Chains returns the registered chains.
func (r *Router) Chains() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chains := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		chains = append(chains, c)
	}
	return chains
}

func (r *Router) chain(genesis [32]byte) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[genesis]
	return c, ok
}

// Run handles received messages until ctx is done or the transport fails.
func (r *Router) Run(ctx context.Context) error {
	for {
		msg, err := r.p2p.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("p2p receive failed: %w", err)
		}
		r.Handle(ctx, msg)
	}
}

// Handle handles one received message.
func (r *Router) Handle(ctx context.Context, msg *Message) {
	c, ok := r.chain(msg.Genesis)
	if !ok {
		r.logger.Debug("received message for unknown chain",
			zap.Stringer("kind", msg.Kind),
			zap.String("genesis", fmt.Sprintf("%x", msg.Genesis)))
		return
	}

	switch msg.Kind {
	case KindTributary:
		gossip, err := c.HandleMessage(ctx, msg.Data)
		if err != nil {
			r.logger.Debug("rejected tributary message",
				zap.Stringer("from", msg.Sender),
				zap.Error(err))
			return
		}
		if gossip {
			r.p2p.Broadcast(msg.Kind, msg.Genesis, msg.Data)
		}

	case KindHeartbeat:
		r.handleHeartbeat(c, msg)

	case KindBlock:
		ok, err := c.SyncBlockMessage(ctx, msg.Data)
		if err != nil {
			r.logger.Warn("could not sync block", zap.Stringer("from", msg.Sender), zap.Error(err))
			return
		}
		r.logger.Debug("received block", zap.Stringer("from", msg.Sender), zap.Bool("added", ok))
	}
}

func (r *Router) handleHeartbeat(c Chain, msg *Message) {
	if len(msg.Data) != 32 {
		r.logger.Warn("received invalid heartbeat", zap.Stringer("from", msg.Sender))
		return
	}
	if !r.allow(msg.Sender, msg.Genesis, c.BlockTime()) {
		r.logger.Debug("rate limited heartbeat", zap.Stringer("from", msg.Sender))
		return
	}

	if !Responds(r.self, c.Participants(), c.Tip()) {
		r.logger.Debug("received heartbeat and not selected to respond")
		return
	}

	var latest [32]byte
	copy(latest[:], msg.Data)
	sent := 0
	for {
		next, ok := c.BlockAfter(latest)
		if !ok {
			break
		}
		data, ok := c.BlockMessage(next)
		if !ok {
			break
		}
		r.p2p.Send(msg.Sender, KindBlock, msg.Genesis, data)
		latest = next
		sent++
	}
	r.logger.Debug("answered heartbeat", zap.Stringer("to", msg.Sender), zap.Int("blocks", sent))
}

func (r *Router) allow(sender PeerID, genesis [32]byte, blockTime time.Duration) bool {
	key := limiterKey{sender: sender, genesis: genesis}
	if l, ok := r.limiters.Get(key); ok {
		return l.(*rate.Limiter).Allow()
	}
	l := rate.NewLimiter(rate.Every(blockTime), 2)
	r.limiters.Add(key, l)
	return l.Allow()
}

// Responds reports whether self is among the peers selected to answer
// heartbeats while tip is the chain tip.
//
// Up to MaxResponders consecutive participants respond, starting at an
// offset taken from the tip's first eight bytes.
func Responds(self PeerID, participants []PeerID, tip [32]byte) bool {
	n := len(participants)
	if n == 0 {
		return false
	}
	responders := min(n, MaxResponders)
	entropy := binary.LittleEndian.Uint64(tip[:8])
	start := int(entropy % uint64(n+1-responders))
	for _, p := range participants[start : start+responders] {
		if p == self {
			return true
		}
	}
	return false
}
