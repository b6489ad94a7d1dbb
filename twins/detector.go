package twins

import (
	"fmt"
	"sync"

	"github.com/edgedlt/tributary/tendermint"
)

// ViolationDetector monitors consensus execution for safety violations.
type ViolationDetector struct {
	mu sync.RWMutex

	scheme  tendermint.SignatureScheme
	weights tendermint.Weights

	// Distinct messages by validator, block, round and step
	messages map[messageKey][]messageRecord

	// Finalized blocks by number
	committed map[uint64][]commitRecord

	violations []Violation
}

type messageKey struct {
	validator tendermint.ValidatorID
	block     uint64
	round     uint32
	step      tendermint.Step
}

type messageRecord struct {
	data   tendermint.Data
	nodeID int
}

type commitRecord struct {
	hash   [32]byte
	nodeID int
}

// NewViolationDetector creates a detector. Messages are only considered if
// they verify under scheme, and commits must meet the weights' threshold.
func NewViolationDetector(scheme tendermint.SignatureScheme, weights tendermint.Weights) *ViolationDetector {
	return &ViolationDetector{
		scheme:    scheme,
		weights:   weights,
		messages:  make(map[messageKey][]messageRecord),
		committed: make(map[uint64][]commitRecord),
	}
}

// RecordMessage records a consensus message sent by nodeID, detecting
// validators which signed conflicting messages. A message seen again isn't a
// conflict.
func (vd *ViolationDetector) RecordMessage(nodeID int, sm *tendermint.SignedMessage) {
	if !sm.VerifySignature(vd.scheme) {
		return
	}

	vd.mu.Lock()
	defer vd.mu.Unlock()

	key := messageKey{
		validator: sm.Msg.Sender,
		block:     sm.Msg.Block,
		round:     sm.Msg.Round,
		step:      sm.Msg.Data.Step,
	}
	existing := vd.messages[key]
	for _, record := range existing {
		if record.data.Equal(sm.Msg.Data) {
			return
		}
	}
	if len(existing) > 0 {
		vd.violations = append(vd.violations, Violation{
			Type:        ViolationDoubleSign,
			Description: fmt.Sprintf("validator signed conflicting %s messages in one round", key.step),
			NodeID:      nodeID,
			Block:       key.block,
			Round:       key.round,
			Context: map[string]any{
				"validator": key.validator.String(),
				"node_id_1": existing[0].nodeID,
				"node_id_2": nodeID,
			},
		})
	}
	vd.messages[key] = append(existing, messageRecord{data: sm.Msg.Data, nodeID: nodeID})
}

// RecordCommit records a block nodeID finalized, detecting forks and
// commits which don't prove finalization.
func (vd *ViolationDetector) RecordCommit(nodeID int, number uint64, hash [32]byte, id tendermint.BlockID, commit *tendermint.Commit) {
	vd.mu.Lock()
	defer vd.mu.Unlock()

	if commit != nil && !tendermint.VerifyCommit(vd.scheme, vd.weights, id, commit) {
		vd.violations = append(vd.violations, Violation{
			Type:        ViolationInvalidCommit,
			Description: "block added without a valid commit",
			NodeID:      nodeID,
			Block:       number,
			Context:     map[string]any{"block_hash": fmt.Sprintf("%x", hash)},
		})
	}

	existing := vd.committed[number]
	for _, record := range existing {
		if record.hash == hash {
			vd.committed[number] = append(existing, commitRecord{hash: hash, nodeID: nodeID})
			return
		}
	}
	if len(existing) > 0 {
		vd.violations = append(vd.violations, Violation{
			Type:        ViolationFork,
			Description: "different blocks finalized at the same height",
			NodeID:      nodeID,
			Block:       number,
			Context: map[string]any{
				"block_hash_1": fmt.Sprintf("%x", existing[0].hash),
				"block_hash_2": fmt.Sprintf("%x", hash),
				"node_id_1":    existing[0].nodeID,
				"node_id_2":    nodeID,
			},
		})
	}
	vd.committed[number] = append(existing, commitRecord{hash: hash, nodeID: nodeID})
}

// GetViolations returns all detected violations.
func (vd *ViolationDetector) GetViolations() []Violation {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return append([]Violation(nil), vd.violations...)
}

// HasViolations returns true if any violations were detected.
func (vd *ViolationDetector) HasViolations() bool {
	vd.mu.RLock()
	defer vd.mu.RUnlock()
	return len(vd.violations) > 0
}

// GetViolationsByType returns violations of a specific type.
func (vd *ViolationDetector) GetViolationsByType(vType ViolationType) []Violation {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	var result []Violation
	for _, v := range vd.violations {
		if v.Type == vType {
			result = append(result, v)
		}
	}
	return result
}

// GetViolationCount returns the count of violations by type.
func (vd *ViolationDetector) GetViolationCount() map[ViolationType]int {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	counts := make(map[ViolationType]int)
	for _, v := range vd.violations {
		counts[v.Type]++
	}
	return counts
}

// DoubleSigners returns the validators detected signing conflicting
// messages.
func (vd *ViolationDetector) DoubleSigners() []string {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	seen := make(map[string]bool)
	var signers []string
	for _, v := range vd.violations {
		if v.Type != ViolationDoubleSign {
			continue
		}
		validator := v.Context["validator"].(string)
		if !seen[validator] {
			seen[validator] = true
			signers = append(signers, validator)
		}
	}
	return signers
}

// Reset clears all recorded state.
func (vd *ViolationDetector) Reset() {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	vd.messages = make(map[messageKey][]messageRecord)
	vd.committed = make(map[uint64][]commitRecord)
	vd.violations = nil
}
