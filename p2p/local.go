package p2p

import (
	"context"
	"errors"
	"sync"
)

// Filter decides whether a message from one peer reaches another.
type Filter func(from, to PeerID, msg *Message) bool

// ErrClosed is returned by Receive once the peer left its network.
var ErrClosed = errors.New("p2p: peer closed")

// LocalNetwork is an in-process P2P hub. Delivery is lossless and ordered
// per sender: each peer has an unbounded inbound queue.
type LocalNetwork struct {
	mu     sync.RWMutex
	peers  map[PeerID]*LocalPeer
	filter Filter
}

// NewLocalNetwork creates an empty hub.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{peers: make(map[PeerID]*LocalPeer)}
}

// Join connects a new peer to the hub. Joining again replaces the prior
// peer with the same id.
func (n *LocalNetwork) Join(id PeerID) *LocalPeer {
	p := &LocalPeer{
		network: n,
		id:      id,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}

	n.mu.Lock()
	prior := n.peers[id]
	n.peers[id] = p
	n.mu.Unlock()

	if prior != nil {
		prior.close()
	}
	return p
}

// Leave disconnects a peer. Once its queue drains, its Receive returns
// ErrClosed.
func (n *LocalNetwork) Leave(id PeerID) {
	n.mu.Lock()
	p := n.peers[id]
	delete(n.peers, id)
	n.mu.Unlock()

	if p != nil {
		p.close()
	}
}

// SetFilter installs f to decide delivery. A nil f delivers everything.
func (n *LocalNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Peers returns the ids of the connected peers.
func (n *LocalNetwork) Peers() []PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]PeerID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// Deliver hands msg to peer to as though from sent it. The filter still
// applies.
func (n *LocalNetwork) Deliver(from, to PeerID, msg *Message) {
	n.deliver(from, to, msg)
}

func (n *LocalNetwork) deliver(from, to PeerID, msg *Message) {
	n.mu.RLock()
	p, ok := n.peers[to]
	filter := n.filter
	n.mu.RUnlock()

	if !ok || (filter != nil && !filter(from, to, msg)) {
		return
	}
	p.push(msg)
}

// LocalPeer is one peer's view of a LocalNetwork.
type LocalPeer struct {
	network *LocalNetwork
	id      PeerID

	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ P2P = (*LocalPeer)(nil)

// ID is the id the peer joined with.
func (p *LocalPeer) ID() PeerID {
	return p.id
}

func (p *LocalPeer) message(kind Kind, genesis [32]byte, data []byte) *Message {
	return &Message{Sender: p.id, Kind: kind, Genesis: genesis, Data: append([]byte(nil), data...)}
}

// Broadcast implements P2P.
func (p *LocalPeer) Broadcast(kind Kind, genesis [32]byte, data []byte) {
	msg := p.message(kind, genesis, data)
	for _, id := range p.network.Peers() {
		if id != p.id {
			p.network.deliver(p.id, id, msg)
		}
	}
}

// Send implements P2P.
func (p *LocalPeer) Send(to PeerID, kind Kind, genesis [32]byte, data []byte) {
	p.network.deliver(p.id, to, p.message(kind, genesis, data))
}

// Receive implements P2P.
func (p *LocalPeer) Receive(ctx context.Context) (*Message, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			msg := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return msg, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *LocalPeer) push(msg *Message) {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *LocalPeer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
