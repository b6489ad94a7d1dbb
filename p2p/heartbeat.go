package p2p

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultStaleness is how old a tip must be before heartbeats are sent.
const DefaultStaleness = time.Minute

// HeartbeatBlocks is how many block times pass between checks.
const HeartbeatBlocks = 10

// Heartbeat periodically asks peers for blocks on chains which appear to
// have fallen behind.
type Heartbeat struct {
	p2p       P2P
	router    *Router
	staleness time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithStaleness sets how old a tip must be to trigger a heartbeat.
func WithStaleness(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		h.staleness = d
	}
}

// WithHeartbeatLogger sets the heartbeat's logger.
func WithHeartbeatLogger(logger *zap.Logger) HeartbeatOption {
	return func(h *Heartbeat) {
		h.logger = logger
	}
}

// NewHeartbeat creates a heartbeat over the chains registered with router.
func NewHeartbeat(p P2P, router *Router, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		p2p:       p,
		router:    router,
		staleness: DefaultStaleness,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run sends heartbeats every HeartbeatBlocks block times until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	for {
		h.Beat()

		t := time.NewTimer(h.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// interval uses the shortest block time of the registered chains.
func (h *Heartbeat) interval() time.Duration {
	var shortest time.Duration
	for _, c := range h.router.Chains() {
		if bt := c.BlockTime(); shortest == 0 || bt < shortest {
			shortest = bt
		}
	}
	if shortest == 0 {
		shortest = 6 * time.Second
	}
	return HeartbeatBlocks * shortest
}

// Beat broadcasts a heartbeat for every stale chain, returning how many
// were sent.
func (h *Heartbeat) Beat() int {
	now := uint64(h.now().UnixMilli())
	sent := 0
	for _, c := range h.router.Chains() {
		tip := c.Tip()
		at, _ := c.TimeOfBlock(tip)
		if now <= at+uint64(h.staleness.Milliseconds()) {
			continue
		}
		h.logger.Warn("last known block is stale, sending heartbeat",
			zap.String("genesis", fmt.Sprintf("%x", c.Genesis())),
			zap.Uint64("tip_time", at))
		h.p2p.Broadcast(KindHeartbeat, c.Genesis(), tip[:])
		sent++
	}
	return sent
}
