// Package executor runs element-wise reductions
// asynchronously, charging their cost to a node's virtual
// clock.
package executor

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/simulator"
)

var (
	// ErrExhausted is returned by Acquire when every
	// executor in the pool is held.
	ErrExhausted = errors.New("executor: all executors are in use")

	// ErrReleased is returned when a released executor is
	// used again.
	ErrReleased = errors.New("executor: executor was released")

	// ErrCanceled is the result of a task that was
	// finalized before its time was up.
	ErrCanceled = errors.New("executor: task finalized before it finished")
)

// A Pool hands out Executors for a single node.
//
// A Pool is not safe for concurrent use; it belongs to the
// node's Goroutine.
type Pool struct {
	// Handle is used to read the node's virtual time.
	//
	// If Handle is nil, reductions finish the first time
	// they are tested.
	Handle *simulator.Handle

	// Size is the number of executors that may be held at
	// once.
	//
	// If Size is 0, it is treated as 1.
	Size int

	// Faults, if non-nil, is called when a reduction's
	// time is up. A non-nil result fails the task instead
	// of running the reduction.
	Faults func(args collcomm.ReduceArgs) error

	inUse int
}

// NewPool creates a Pool with the given number of
// executors.
func NewPool(h *simulator.Handle, size int) *Pool {
	return &Pool{Handle: h, Size: size}
}

// Acquire takes an executor from the pool.
func (p *Pool) Acquire() (collcomm.Executor, error) {
	if p.inUse >= p.size() {
		return nil, errors.Wrapf(ErrExhausted, "pool of %d", p.size())
	}
	p.inUse++
	return &Executor{pool: p}, nil
}

// InUse returns the number of executors that have been
// acquired but not released.
func (p *Pool) InUse() int {
	return p.inUse
}

func (p *Pool) size() int {
	if p.Size == 0 {
		return 1
	}
	return p.Size
}

func (p *Pool) now() float64 {
	if p.Handle == nil {
		return 0
	}
	return p.Handle.Time()
}

// An Executor submits reductions on behalf of one task.
type Executor struct {
	pool     *Pool
	released bool
	live     int
}

// Reduce submits a reduction.
//
// A reduction of n elements takes 2*n*FlopTime units of
// virtual time.
func (e *Executor) Reduce(args collcomm.ReduceArgs) (collcomm.ReduceTask, error) {
	if e.released {
		return nil, ErrReleased
	}
	if err := args.Validate(); err != nil {
		return nil, errors.Wrap(err, "executor: submit reduction")
	}
	var deadline float64
	if e.pool.Handle != nil {
		deadline = e.pool.now() + collcomm.FlopTime*float64(2*args.Count)
	}
	e.live++
	return &task{executor: e, args: args, deadline: deadline}, nil
}

// Release returns the executor to its pool.
//
// It fails if some task has not been finalized.
func (e *Executor) Release() error {
	if e.released {
		return ErrReleased
	}
	if e.live > 0 {
		return errors.Errorf("executor: release with %d unfinalized tasks", e.live)
	}
	e.released = true
	e.pool.inUse--
	return nil
}

type task struct {
	executor  *Executor
	args      collcomm.ReduceArgs
	deadline  float64
	done      bool
	finalized bool
	err       error
}

func (t *task) Test() error {
	if t.done {
		return t.err
	}
	pool := t.executor.pool
	if pool.now() < t.deadline {
		return collcomm.ErrInProgress
	}
	t.done = true
	if pool.Faults != nil {
		t.err = pool.Faults(t.args)
	}
	if t.err == nil {
		t.err = collcomm.Reduce(t.args)
	}
	return t.err
}

// Finalize releases the task. Finalizing a task that has
// not finished cancels it.
func (t *task) Finalize() error {
	if t.finalized {
		return errors.New("executor: task finalized twice")
	}
	if !t.done {
		t.done = true
		t.err = ErrCanceled
	}
	t.finalized = true
	t.executor.live--
	return nil
}
