package twins

import (
	"sync"

	"github.com/edgedlt/tributary"
	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/tendermint"
)

// TwinsNetwork decides delivery between the nodes of a scenario. Its Filter
// is installed on the nodes' p2p.LocalNetwork.
type TwinsNetwork struct {
	mu sync.RWMutex

	nodes      map[p2p.PeerID]int
	validators map[int]tendermint.ValidatorID

	partitions   []Partition
	held         []HeldMessage
	disconnected map[[2]int]bool
	interceptors map[int]Interceptor
	silentNodes  map[int]bool

	detector *ViolationDetector

	messageCount int
	messages     []MessageRecord
}

// MessageRecord records a delivered message for analysis.
type MessageRecord struct {
	From int
	To   int
	Kind p2p.Kind

	// Consensus is set for tendermint messages, with their position.
	Consensus bool
	Block     uint64
	Round     uint32
	Step      tendermint.Step
}

// HeldMessage is a message a partition kept from its recipient.
type HeldMessage struct {
	From, To p2p.PeerID
	Msg      *p2p.Message
}

// NewTwinsNetwork creates a network. Consensus messages are reported to
// detector if it isn't nil.
func NewTwinsNetwork(partitions []Partition, detector *ViolationDetector) *TwinsNetwork {
	return &TwinsNetwork{
		nodes:        make(map[p2p.PeerID]int),
		validators:   make(map[int]tendermint.ValidatorID),
		partitions:   partitions,
		disconnected: make(map[[2]int]bool),
		interceptors: make(map[int]Interceptor),
		silentNodes:  make(map[int]bool),
		detector:     detector,
	}
}

// AddNode names the node reachable as peer, voting as validator.
func (tn *TwinsNetwork) AddNode(nodeID int, peer p2p.PeerID, validator tendermint.ValidatorID) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.nodes[peer] = nodeID
	tn.validators[nodeID] = validator
}

// SetInterceptor sets the interceptor for messages a node sends.
// Pass nil to remove the interceptor.
func (tn *TwinsNetwork) SetInterceptor(nodeID int, interceptor Interceptor) {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	if interceptor == nil {
		delete(tn.interceptors, nodeID)
	} else {
		tn.interceptors[nodeID] = interceptor
	}
}

// SetSilent marks a node as silent (crash fault simulation).
// Silent nodes do not send or receive any messages.
func (tn *TwinsNetwork) SetSilent(nodeID int, silent bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	if silent {
		tn.silentNodes[nodeID] = true
	} else {
		delete(tn.silentNodes, nodeID)
	}
}

// IsSilent returns whether a node is marked as silent.
func (tn *TwinsNetwork) IsSilent(nodeID int) bool {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	return tn.silentNodes[nodeID]
}

// Disconnect stops all messages between two nodes.
func (tn *TwinsNetwork) Disconnect(a, b int) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.disconnected[[2]int{min(a, b), max(a, b)}] = true
}

// Filter implements p2p.Filter. Peers which aren't scenario nodes are
// always reachable.
//
// No node receives consensus messages signed with its own key. A twin would
// otherwise take its twin's votes for its own, and halt once it voted
// differently.
func (tn *TwinsNetwork) Filter(from, to p2p.PeerID, msg *p2p.Message) bool {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	fromID, okFrom := tn.nodes[from]
	toID, okTo := tn.nodes[to]
	if !okFrom || !okTo {
		return true
	}

	if tn.silentNodes[fromID] || tn.silentNodes[toID] {
		return false
	}
	if tn.isPartitioned(fromID, toID) {
		// Partitions delay messages until healed
		tn.held = append(tn.held, HeldMessage{From: from, To: to, Msg: msg})
		return false
	}
	if tn.disconnected[[2]int{min(fromID, toID), max(fromID, toID)}] {
		return false
	}
	if interceptor, ok := tn.interceptors[fromID]; ok && !interceptor.Intercept(fromID, toID, msg) {
		return false
	}

	sm := consensusMessage(msg)
	if sm != nil && sm.Msg.Sender == tn.validators[toID] {
		return false
	}

	tn.messageCount++
	record := MessageRecord{From: fromID, To: toID, Kind: msg.Kind}
	if sm != nil {
		record.Consensus = true
		record.Block = sm.Msg.Block
		record.Round = sm.Msg.Round
		record.Step = sm.Msg.Data.Step
		if tn.detector != nil {
			tn.detector.RecordMessage(fromID, sm)
		}
	}
	tn.messages = append(tn.messages, record)
	return true
}

// Heal removes every partition and returns the messages they held, oldest
// first, for redelivery.
func (tn *TwinsNetwork) Heal() []HeldMessage {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.partitions = nil
	held := tn.held
	tn.held = nil
	return held
}

// isPartitioned reports whether two nodes sit in no common partition.
func (tn *TwinsNetwork) isPartitioned(from, to int) bool {
	if len(tn.partitions) == 0 {
		return false
	}

	for _, partition := range tn.partitions {
		fromIn, toIn := false, false
		for _, id := range partition.Nodes {
			fromIn = fromIn || id == from
			toIn = toIn || id == to
		}
		if fromIn && toIn {
			return false
		}
	}
	return true
}

// MessageCount returns the number of delivered messages.
func (tn *TwinsNetwork) MessageCount() int {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	return tn.messageCount
}

// Messages returns the records of delivered messages.
func (tn *TwinsNetwork) Messages() []MessageRecord {
	tn.mu.RLock()
	defer tn.mu.RUnlock()
	return append([]MessageRecord(nil), tn.messages...)
}

func consensusMessage(msg *p2p.Message) *tendermint.SignedMessage {
	if msg.Kind != p2p.KindTributary || len(msg.Data) == 0 || msg.Data[0] != tributary.TendermintMessage {
		return nil
	}
	sm, err := tendermint.DecodeSignedMessage(msg.Data[1:], chain.ReadSerializedBlock)
	if err != nil {
		return nil
	}
	return sm
}
