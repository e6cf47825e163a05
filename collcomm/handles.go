package collcomm

import "github.com/pkg/errors"

// ErrInProgress is returned by Test methods while an
// operation has not finished yet.
var ErrInProgress = errors.New("operation in progress")

// A Request is a handle on a non-blocking operation.
type Request interface {
	// Test returns ErrInProgress while the operation is
	// outstanding, nil once it has succeeded, or the
	// reason it failed.
	//
	// Test never blocks and never drives progress itself.
	Test() error
}

// A ReduceTask is a reduction that was submitted to an
// Executor.
type ReduceTask interface {
	Request

	// Finalize releases the executor-side resources of a
	// task that is no longer in progress.
	Finalize() error
}

// An Executor runs element-wise reductions in the
// background.
type Executor interface {
	// Reduce submits a reduction and returns immediately.
	Reduce(args ReduceArgs) (ReduceTask, error)

	// Release gives the executor back to wherever it was
	// acquired from.
	// All of its tasks must be finalized first.
	Release() error
}

// ReduceArgs describes the element-wise reduction
//
//	Dst[i] = Op(SrcA[i], SrcB[i])
//
// for Count elements of type Datatype.
type ReduceArgs struct {
	Op       Op
	Datatype Datatype
	SrcA     []byte
	SrcB     []byte
	Dst      []byte
	Count    int
}

// Validate checks that the buffers are large enough for
// the reduction.
func (r ReduceArgs) Validate() error {
	if !r.Op.Valid() {
		return errors.Errorf("invalid reduction op: %d", r.Op)
	} else if !r.Datatype.Valid() {
		return errors.Errorf("invalid datatype: %d", r.Datatype)
	} else if r.Count < 0 {
		return errors.Errorf("negative element count: %d", r.Count)
	}
	n := r.Count * r.Datatype.Size()
	for _, buf := range [][]byte{r.SrcA, r.SrcB, r.Dst} {
		if len(buf) < n {
			return errors.Errorf("buffer of %d bytes cannot hold %d %s elements",
				len(buf), r.Count, r.Datatype)
		}
	}
	return nil
}
