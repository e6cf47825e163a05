package allreduce

import "fmt"

// Peer returns the rank that every write and every arrival
// signal from rank is sent to.
func Peer(rank, size int) int {
	return (rank + 1) % size
}

// Steps returns the number of arrivals a rank consumes
// before it holds the full result.
//
// Every rank performs one seed write, size-1 reduce
// writes, and size-1 forward writes, and each of them is
// consumed by the next rank in the ring.
func Steps(size int) int {
	return 2*size - 1
}

// SegmentAt returns the segment that arrives at rank when
// its consumed counter reaches step.
//
// Data only moves from a rank to its Peer, so the segment
// a rank sees on step k was seeded k hops back in the
// ring. Step 0 names the rank's own seed segment.
func SegmentAt(rank, step, size int) int {
	return ((rank-step)%size + size) % size
}

// A Step classifies what a rank does with the segment it
// receives on a given step.
type Step int

const (
	// StepSeed is the unreduced local segment that starts
	// the pipeline.
	StepSeed Step = iota

	// StepReduce combines the arrived segment with the
	// local source and sends the result on.
	StepReduce

	// StepForward sends a fully reduced segment on
	// without touching it.
	StepForward

	// StepDone means the arrived segment completes the
	// local result.
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepSeed:
		return "seed"
	case StepReduce:
		return "reduce"
	case StepForward:
		return "forward"
	case StepDone:
		return "done"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// StepKind returns the action taken on a step.
func StepKind(step, size int) Step {
	if step < 0 {
		panic("negative step")
	}
	switch {
	case step == 0:
		return StepSeed
	case step < size:
		return StepReduce
	case step < Steps(size):
		return StepForward
	default:
		return StepDone
	}
}
