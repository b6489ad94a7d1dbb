package tendermint

import (
	"math"
	"time"
)

// Timing configures how long each step of a round may take.
//
// Round r allots BlockProcessingTime*(r+1) to receive and process the
// proposal and LatencyTime*(r+1) to each step after, so later rounds give a
// slow network progressively more room.
type Timing struct {
	// BlockProcessingTime is the maximum time to download and process a block.
	BlockProcessingTime time.Duration

	// LatencyTime is the maximum network latency.
	LatencyTime time.Duration
}

// DefaultTiming returns production timing: a six second block time.
func DefaultTiming() Timing {
	return Timing{
		BlockProcessingTime: 3 * time.Second,
		LatencyTime:         time.Second,
	}
}

// TestTiming returns timing for in-process networks: a 120ms block time.
func TestTiming() Timing {
	return Timing{
		BlockProcessingTime: 60 * time.Millisecond,
		LatencyTime:         20 * time.Millisecond,
	}
}

// BlockTime is the processing time plus three times the latency: the length
// of round zero.
func (t Timing) BlockTime() time.Duration {
	return t.BlockProcessingTime + 3*t.LatencyTime
}

// stepOffset is how long after the round's start the given step times out.
func (t Timing) stepOffset(round uint32, step Step) uint64 {
	n := uint64(round) + 1
	proc := satMul(uint64(t.BlockProcessingTime.Milliseconds()), n)
	lat := satMul(uint64(t.LatencyTime.Milliseconds()), n)
	switch step {
	case StepPropose:
		return satAdd(proc, lat)
	case StepPrevote:
		return satAdd(proc, satMul(lat, 2))
	default:
		return satAdd(proc, satMul(lat, 3))
	}
}

// RoundEnd is the end time of round, given the round started at start.
// Times are canonical Unix milliseconds.
func (t Timing) RoundEnd(round uint32, start uint64) uint64 {
	return satAdd(start, t.stepOffset(round, StepPrecommit))
}

// RoundEndFromBlockStart is the end time of round, given round zero started
// at blockStart and no round ended early.
func (t Timing) RoundEndFromBlockStart(round uint32, blockStart uint64) uint64 {
	// Sum of (r+1) for r in 0..=round
	n := uint64(round) + 1
	triangle := satMul(n, n+1) / 2
	blockTime := satAdd(uint64(t.BlockProcessingTime.Milliseconds()), satMul(uint64(t.LatencyTime.Milliseconds()), 3))
	return satAdd(blockStart, satMul(blockTime, triangle))
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func satMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

// CanonicalNow is the current canonical time.
func CanonicalNow() uint64 {
	return uint64(time.Now().UnixMilli())
}

// canonicalTime converts a canonical time to a time.Time.
func canonicalTime(ms uint64) time.Time {
	if ms > math.MaxInt64 {
		ms = math.MaxInt64
	}
	return time.UnixMilli(int64(ms))
}

// roundData is the state of the round being executed.
type roundData struct {
	number uint32
	start  uint64
	step   Step

	// Pending timeouts, by step, as canonical times.
	timeouts map[Step]uint64
}

func newRoundData(number uint32, start uint64) *roundData {
	return &roundData{
		number:   number,
		start:    start,
		step:     StepPropose,
		timeouts: make(map[Step]uint64),
	}
}

func (r *roundData) endTime(t Timing) uint64 {
	return t.RoundEnd(r.number, r.start)
}

// setTimeout arms the timeout for step. Rearming an armed timeout is a no-op.
func (r *roundData) setTimeout(t Timing, step Step) {
	if _, ok := r.timeouts[step]; ok {
		return
	}
	r.timeouts[step] = satAdd(r.start, t.stepOffset(r.number, step))
}

// nextTimeout returns the earliest pending timeout.
func (r *roundData) nextTimeout() (Step, uint64, bool) {
	var (
		best  Step
		when  uint64
		found bool
	)
	for step, at := range r.timeouts {
		if !found || at < when || (at == when && step < best) {
			best, when, found = step, at, true
		}
	}
	return best, when, found
}
