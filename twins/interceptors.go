package twins

import (
	"math/rand/v2"
	"sync"

	"github.com/edgedlt/tributary/p2p"
)

// Interceptor decides whether a message a node sends is delivered. It is
// the mechanism for injecting Byzantine network behavior.
type Interceptor interface {
	// Intercept returns false to drop the message from one node to another.
	Intercept(from, to int, msg *p2p.Message) bool
}

// SilentInterceptor drops every message.
type SilentInterceptor struct{}

// NewSilentInterceptor creates a new silent interceptor.
func NewSilentInterceptor() *SilentInterceptor {
	return &SilentInterceptor{}
}

func (si *SilentInterceptor) Intercept(from, to int, msg *p2p.Message) bool {
	return false
}

// RandomDropInterceptor drops each message with a fixed probability.
type RandomDropInterceptor struct {
	mu       sync.Mutex
	rng      *rand.Rand
	dropRate float64
	dropped  int
}

// NewRandomDropInterceptor drops messages with probability dropRate, using
// seed for reproducibility.
func NewRandomDropInterceptor(dropRate float64, seed uint64) *RandomDropInterceptor {
	return &RandomDropInterceptor{
		rng:      rand.New(rand.NewPCG(seed, seed)),
		dropRate: dropRate,
	}
}

func (ri *RandomDropInterceptor) Intercept(from, to int, msg *p2p.Message) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.rng.Float64() < ri.dropRate {
		ri.dropped++
		return false
	}
	return true
}

// Dropped is how many messages were dropped.
func (ri *RandomDropInterceptor) Dropped() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.dropped
}

// KindInterceptor drops messages of the given kinds, such as heartbeats.
type KindInterceptor struct {
	kinds map[p2p.Kind]bool
}

// NewKindInterceptor creates an interceptor dropping kinds.
func NewKindInterceptor(kinds ...p2p.Kind) *KindInterceptor {
	ki := &KindInterceptor{kinds: make(map[p2p.Kind]bool, len(kinds))}
	for _, kind := range kinds {
		ki.kinds[kind] = true
	}
	return ki
}

func (ki *KindInterceptor) Intercept(from, to int, msg *p2p.Message) bool {
	return !ki.kinds[msg.Kind]
}
