// Package twins runs Tributary devnets with duplicated validators to check
// safety under Byzantine faults.
//
// A twin pair is two nodes sharing one validator key. Each node is honest on
// its own, yet between them they can sign conflicting votes. Scenarios
// combine twins with partitions, silent nodes and message loss, while a
// detector watches every delivered vote and every finalized block for
// equivocation and forks. The approach follows "Twins: BFT Systems Made
// Robust" (Bano et al.).
package twins

import (
	"fmt"
	"time"
)

// Scenario is one devnet configuration to execute.
type Scenario struct {
	// Replicas is the number of honest validators.
	Replicas int

	// Twins is the number of twin pairs. Each pair is one validator run by
	// two nodes.
	Twins int

	// Partitions lists the groups of node IDs which can communicate. Nodes
	// in no partition can't communicate at all. No partitions means a fully
	// connected network.
	Partitions []Partition

	// HealAfter, if set, removes the partitions once it elapses. Messages
	// the partitions held are then delivered.
	HealAfter time.Duration

	// Blocks is how many blocks the honest validators should finalize.
	Blocks int

	// Behavior of the twins.
	Behavior ByzantineBehavior

	// Timeout bounds the execution. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds a scenario's execution.
const DefaultTimeout = 20 * time.Second

// Partition is a set of node IDs which can reach each other.
type Partition struct {
	Nodes []int
}

// ByzantineBehavior is how twins misbehave during a scenario.
type ByzantineBehavior int

const (
	// BehaviorHonest - every twin is connected to everyone.
	BehaviorHonest ByzantineBehavior = iota

	// BehaviorDoubleSign - twins of a pair can't reach each other, so each
	// votes on what it sees alone.
	BehaviorDoubleSign

	// BehaviorSilent - twins neither send nor receive (crash fault).
	BehaviorSilent

	// BehaviorRandom - twins drop half of the messages they send.
	BehaviorRandom
)

func (b ByzantineBehavior) String() string {
	switch b {
	case BehaviorHonest:
		return "Honest"
	case BehaviorDoubleSign:
		return "DoubleSign"
	case BehaviorSilent:
		return "Silent"
	case BehaviorRandom:
		return "Random"
	default:
		return "Unknown"
	}
}

// Result summarizes an executed scenario.
type Result struct {
	Scenario Scenario

	// Success indicates no safety violation was detected.
	Success bool

	Violations []Violation

	// BlocksCommitted is the lowest block number among honest nodes.
	BlocksCommitted int

	// MessagesExchanged counts delivered messages.
	MessagesExchanged int
}

// Violation is a safety fault observed during execution.
type Violation struct {
	Type        ViolationType
	Description string

	// NodeID of the node which observed the violation.
	NodeID int

	Block uint64
	Round uint32

	// Additional context (block hashes, validators).
	Context map[string]any
}

// ViolationType is the kind of safety fault.
type ViolationType int

const (
	// ViolationNone is the zero value and never reported.
	ViolationNone ViolationType = iota

	// ViolationFork - two blocks finalized at the same height
	ViolationFork

	// ViolationDoubleSign - a validator signed conflicting messages for one
	// step of one round
	ViolationDoubleSign

	// ViolationInvalidCommit - a block was added with a commit which doesn't
	// verify
	ViolationInvalidCommit
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNone:
		return "None"
	case ViolationFork:
		return "Fork"
	case ViolationDoubleSign:
		return "DoubleSign"
	case ViolationInvalidCommit:
		return "InvalidCommit"
	default:
		return "Unknown"
	}
}

// TotalNodes is the number of nodes a scenario runs.
func (s Scenario) TotalNodes() int {
	return s.Replicas + s.Twins*2
}

// Validators is the number of validators a scenario runs.
func (s Scenario) Validators() int {
	return s.Replicas + s.Twins
}

// ValidateScenario rejects scenarios with out of range node IDs or more
// twins than the validator set tolerates.
func ValidateScenario(s Scenario) error {
	if s.Replicas < 1 {
		return fmt.Errorf("replicas must be >= 1, got %d", s.Replicas)
	}
	if s.Twins < 0 {
		return fmt.Errorf("twins must be >= 0, got %d", s.Twins)
	}

	// Each twin pair is one faulty validator
	validators := s.Validators()
	f := (validators - 1) / 3
	if s.Twins > f {
		return fmt.Errorf("scenario violates BFT assumptions: %d twins exceeds f=%d tolerance (n=%d)",
			s.Twins, f, validators)
	}

	if s.Blocks < 1 {
		return fmt.Errorf("blocks must be >= 1, got %d", s.Blocks)
	}

	if s.HealAfter < 0 {
		return fmt.Errorf("heal delay must be >= 0, got %s", s.HealAfter)
	}

	totalNodes := s.TotalNodes()
	for i, partition := range s.Partitions {
		for _, nodeID := range partition.Nodes {
			if nodeID < 0 || nodeID >= totalNodes {
				return fmt.Errorf("partition %d references invalid node ID %d (total nodes: %d)",
					i, nodeID, totalNodes)
			}
		}
	}
	return nil
}

// GenerateBasicScenarios returns a small fixed suite covering each behavior.
func GenerateBasicScenarios() []Scenario {
	return []Scenario{
		// No twins
		{Replicas: 4, Blocks: 3, Behavior: BehaviorHonest},

		// One pair, both connected
		{Replicas: 3, Twins: 1, Blocks: 3, Behavior: BehaviorHonest},

		// Single twin pair, each twin on its own
		{Replicas: 3, Twins: 1, Blocks: 3, Behavior: BehaviorDoubleSign},

		// Single twin pair, crashed
		{Replicas: 3, Twins: 1, Blocks: 3, Behavior: BehaviorSilent},

		// Network partition: [0,1] and [2,3], so nothing may finalize
		{
			Replicas: 4,
			Blocks:   1,
			Behavior: BehaviorHonest,
			Partitions: []Partition{
				{Nodes: []int{0, 1}},
				{Nodes: []int{2, 3}},
			},
			Timeout: 2 * time.Second,
		},

		// The same partition, healed: block 1 can't finalize in round 0, so
		// every node changes round before agreeing
		{
			Replicas: 4,
			Blocks:   3,
			Behavior: BehaviorHonest,
			Partitions: []Partition{
				{Nodes: []int{0, 1}},
				{Nodes: []int{2, 3}},
			},
			HealAfter: time.Second,
		},
	}
}

// TwinID returns the node ID of one twin of a pair. Pair i occupies IDs
// replicas+2i and replicas+2i+1, after every honest replica.
func TwinID(replicas, twinPairIndex, twinIndex int) int {
	if twinIndex != 0 && twinIndex != 1 {
		return -1
	}
	return replicas + twinPairIndex*2 + twinIndex
}

// IsTwin reports whether nodeID belongs to a twin pair.
func IsTwin(nodeID, replicas int) bool {
	return nodeID >= replicas
}

// GetTwinPair returns both node IDs of nodeID's pair, or -1 twice when
// nodeID isn't a twin.
func GetTwinPair(nodeID, replicas int) (int, int) {
	if !IsTwin(nodeID, replicas) {
		return -1, -1
	}
	pairIndex := (nodeID - replicas) / 2
	return TwinID(replicas, pairIndex, 0), TwinID(replicas, pairIndex, 1)
}

// GetValidatorIndex returns the validator a node votes as. Both twins of a
// pair share one.
func GetValidatorIndex(nodeID, replicas int) int {
	if !IsTwin(nodeID, replicas) {
		return nodeID
	}
	return replicas + (nodeID-replicas)/2
}
