package redundancy

import "math/rand"

// Fault is what a policy can do to one primary cycle.
type Fault int

const (
	FaultNone Fault = iota
	// FaultOverrun holds the payload for twice the deadline budget and
	// fails the cycle, modeling a runaway execution.
	FaultOverrun
)

// FaultPolicy decides the fault for a given cycle number. A policy instance
// belongs to one primary and is called from that task only; implementations
// need not be safe for concurrent use.
type FaultPolicy func(cycle uint64) Fault

// NoFaults never injects anything.
func NoFaults() FaultPolicy {
	return func(uint64) Fault { return FaultNone }
}

// RandomOverrun injects FaultOverrun with probability prob per cycle, from a
// seeded source so a given seed replays the same fault pattern.
func RandomOverrun(prob float64, seed int64) FaultPolicy {
	if prob <= 0 {
		return NoFaults()
	}
	if prob > 1 {
		prob = 1
	}
	rng := rand.New(rand.NewSource(seed))
	return func(uint64) Fault {
		if rng.Float64() < prob {
			return FaultOverrun
		}
		return FaultNone
	}
}

// Scripted replays the given faults by cycle number (cycle 1 gets the first
// entry) and then stays quiet.
func Scripted(faults ...Fault) FaultPolicy {
	return func(cycle uint64) Fault {
		if cycle == 0 || cycle > uint64(len(faults)) {
			return FaultNone
		}
		return faults[cycle-1]
	}
}
