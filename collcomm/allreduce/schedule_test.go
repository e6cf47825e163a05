package allreduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer(t *testing.T) {
	assert.Equal(t, 0, Peer(0, 1))
	assert.Equal(t, 1, Peer(0, 2))
	assert.Equal(t, 0, Peer(1, 2))
	assert.Equal(t, 0, Peer(4, 5))
}

func TestSegmentAt(t *testing.T) {
	// Three ranks with one element per segment.
	expected := [][]int{
		{0, 2, 1, 0, 2, 1},
		{1, 0, 2, 1, 0, 2},
		{2, 1, 0, 2, 1, 0},
	}
	for rank, segs := range expected {
		for step, seg := range segs {
			assert.Equal(t, seg, SegmentAt(rank, step, 3), "rank %d step %d", rank, step)
		}
	}
}

func TestStepKind(t *testing.T) {
	kinds := []Step{StepSeed, StepReduce, StepReduce, StepForward, StepForward, StepDone}
	for step, kind := range kinds {
		assert.Equal(t, kind, StepKind(step, 3), "step %d", step)
	}
	assert.Equal(t, StepDone, StepKind(1, 1))
	assert.Equal(t, StepReduce, StepKind(1, 2))
	assert.Equal(t, StepForward, StepKind(2, 2))
	assert.Equal(t, StepDone, StepKind(3, 2))
	assert.Panics(t, func() { StepKind(-1, 2) })
}

// TestScheduleReducesEverySegment plays the pipeline in
// lockstep, tracking which ranks contributed to every
// segment as a bitmask.
func TestScheduleReducesEverySegment(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 16} {
		full := uint64(1)<<n - 1
		dst := make([][]uint64, n)
		outgoing := make([]uint64, n)
		outSeg := make([]int, n)
		for r := 0; r < n; r++ {
			dst[r] = make([]uint64, n)
			outgoing[r] = 1 << r
			outSeg[r] = SegmentAt(r, 0, n)
		}
		for step := 1; step <= Steps(n); step++ {
			nextOut := make([]uint64, n)
			nextSeg := make([]int, n)
			for r := 0; r < n; r++ {
				from := (r + n - 1) % n
				require.Equal(t, r, Peer(from, n))
				seg := SegmentAt(r, step, n)
				require.Equal(t, outSeg[from], seg, "n=%d rank=%d step=%d", n, r, step)
				dst[r][seg] = outgoing[from]
				switch StepKind(step, n) {
				case StepReduce:
					nextOut[r] = dst[r][seg] | 1<<r
					nextSeg[r] = seg
				case StepForward:
					require.Equal(t, full, dst[r][seg], "forwarding a partial segment")
					nextOut[r] = dst[r][seg]
					nextSeg[r] = seg
				}
			}
			outgoing, outSeg = nextOut, nextSeg
		}
		for r := 0; r < n; r++ {
			for s := 0; s < n; s++ {
				assert.Equal(t, full, dst[r][s], "n=%d rank=%d segment=%d", n, r, s)
			}
		}
	}
}
