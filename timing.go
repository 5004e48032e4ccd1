package raft

import (
	"math/rand"
	"time"
)

// MinimumElectionTimeoutMs is the low end of the randomized election
// timeout range; the high end is twice this value. Kept as a package
// variable, not a constant, exactly like the teacher, so tests can shrink
// it with ResetElectionTimeoutMs.
var MinimumElectionTimeoutMs = 250

// ResetElectionTimeoutMs overrides the election timeout range and returns
// the previous (min, max) so callers (tests) can restore it afterward.
func ResetElectionTimeoutMs(min, max int) (int, int) {
	oldMin, oldMax := MinimumElectionTimeoutMs, MinimumElectionTimeoutMs*2
	MinimumElectionTimeoutMs = min
	_ = max // max is always 2x min, kept as a parameter for call-site symmetry
	return oldMin, oldMax
}

// ElectionTimeout returns a randomized duration in
// [MinimumElectionTimeoutMs, 2*MinimumElectionTimeoutMs). Randomization is
// required (spec §5) to break split votes; production code gets its
// randomness from math/rand, and a simulator can substitute its own
// injectable source by calling engine methods directly instead of this
// helper.
func ElectionTimeout() time.Duration {
	n := rand.Intn(MinimumElectionTimeoutMs)
	return time.Duration(MinimumElectionTimeoutMs+n) * time.Millisecond
}

// MinimumElectionTimeout is the floor of the election timeout range.
func MinimumElectionTimeout() time.Duration {
	return time.Duration(MinimumElectionTimeoutMs) * time.Millisecond
}

// MaximumElectionTimeout is the ceiling of the election timeout range.
func MaximumElectionTimeout() time.Duration {
	return 2 * time.Duration(MinimumElectionTimeoutMs) * time.Millisecond
}

// BroadcastInterval is the leader's heartbeat period: MinimumElectionTimeoutMs / 10,
// per spec §5's "BroadcastInterval << ElectionTimeout << MTBF".
func BroadcastInterval() time.Duration {
	return time.Duration(MinimumElectionTimeoutMs/10) * time.Millisecond
}
