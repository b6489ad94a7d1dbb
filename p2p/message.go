// Package p2p carries tributary traffic between validators: consensus and
// transaction gossip, heartbeats from lagging nodes and the blocks sent in
// response.
package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgedlt/tributary/internal/crypto"
)

// Kind is the kind of a P2P message. Every kind is scoped to one chain by
// its genesis.
type Kind uint8

const (
	// KindTributary carries a message for Tributary.HandleMessage.
	KindTributary Kind = iota
	// KindHeartbeat carries the sender's tip, asking for the blocks after it.
	KindHeartbeat
	// KindBlock carries a block followed by its commit.
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindTributary:
		return "tributary"
	case KindHeartbeat:
		return "heartbeat"
	case KindBlock:
		return "block"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PeerID identifies a peer by its validator key.
type PeerID = crypto.PublicKey

// Message is a message received from a peer.
type Message struct {
	Sender  PeerID
	Kind    Kind
	Genesis [32]byte
	Data    []byte
}

// ErrMalformed is returned when decoding an invalid message.
var ErrMalformed = errors.New("malformed p2p message")

// Bytes frames the message for a transport. The sender isn't included: it
// is authenticated by the transport.
//
// Format: [kind:1][genesis:32][data]
func (m *Message) Bytes() []byte {
	buf := make([]byte, 0, 1+32+len(m.Data))
	buf = append(buf, byte(m.Kind))
	buf = append(buf, m.Genesis[:]...)
	return append(buf, m.Data...)
}

// DecodeMessage decodes a framed message received from sender.
func DecodeMessage(sender PeerID, data []byte) (*Message, error) {
	if len(data) < 1+32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	kind := Kind(data[0])
	if kind > KindBlock {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[0])
	}
	m := &Message{Sender: sender, Kind: kind}
	copy(m.Genesis[:], data[1:33])
	m.Data = append([]byte(nil), data[33:]...)
	return m, nil
}

// P2P is the transport shared by every chain a node participates in.
type P2P interface {
	// Broadcast sends a message to every connected peer.
	Broadcast(kind Kind, genesis [32]byte, data []byte)

	// Send sends a message to one peer.
	Send(to PeerID, kind Kind, genesis [32]byte, data []byte)

	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (*Message, error)
}
