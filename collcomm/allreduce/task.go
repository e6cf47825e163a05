package allreduce

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/collcomm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// A Phase is the stage of the write cycle a task is in.
//
// Whether a reduction is pending is tracked separately,
// since a reduction can only run while the task is idle.
type Phase int

const (
	// PhaseIdle waits for the next arrival or a pending
	// reduction.
	PhaseIdle Phase = iota

	// PhasePutting waits for a posted write to complete.
	PhasePutting

	// PhaseAtomicing signals the peer and returns to idle
	// on the next call to Progress.
	PhaseAtomicing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePutting:
		return "PUTTING"
	case PhaseAtomicing:
		return "ATOMICING"
	}
	return "UNKNOWN"
}

// A Task is one rank's part of a ring allreduce.
//
// Tasks are driven by Progress and are not safe for
// concurrent use.
type Task struct {
	id   uuid.UUID
	args Args
	team Team
	env  Env
	log  *zap.Logger

	segCount int
	segBytes int
	src      []byte
	dst      []byte
	scratch  []byte
	counter  *SyncCounter
	executor collcomm.Executor

	phase          Phase
	pendingWrite   collcomm.Request
	pendingReduce  collcomm.ReduceTask
	pendingSignals []collcomm.Request

	status    error
	finalized bool
}

// Init validates an allreduce and creates a task for it.
//
// Configurations outside of what the ring algorithm
// handles fail with ErrNotSupported, malformed arguments
// with ErrInvalidParam. Nothing is allocated on failure.
func Init(args *Args, team Team, env Env) (*Task, error) {
	if err := validate(args, team, env); err != nil {
		env.logger().Debug("rejected allreduce", zap.Int("rank", team.Rank), zap.Error(err))
		env.Metrics.recordTask(err)
		return nil, err
	}
	id := uuid.New()
	return &Task{
		id:     id,
		args:   *args,
		team:   team,
		env:    env,
		log:    env.logger().With(zap.Stringer("task", id), zap.Int("rank", team.Rank), zap.Int("size", team.Size)),
		status: ErrNotStarted,
	}, nil
}

func validate(args *Args, team Team, env Env) error {
	if args == nil {
		return errors.Wrap(ErrInvalidParam, "nil arguments")
	} else if team.Size <= 0 || team.Rank < 0 || team.Rank >= team.Size {
		return errors.Wrapf(ErrInvalidParam, "rank %d in team of %d", team.Rank, team.Size)
	} else if env.Transport == nil || env.Executors == nil || env.Scheduler == nil {
		return errors.Wrap(ErrInvalidParam, "missing collaborator")
	} else if env.NumPolls < 0 {
		return errors.Wrapf(ErrInvalidParam, "%d polls per call", env.NumPolls)
	}

	if args.Sync == nil {
		return errors.Wrap(ErrNotSupported, "no synchronization buffer")
	} else if args.Flags&FlagMemMapped == 0 {
		return errors.Wrap(ErrNotSupported, "buffers are not mapped for one-sided access")
	}
	names := []string{"source", "destination", "scratch", "synchronization"}
	for i, r := range []collcomm.Region{args.Src, args.Dst, args.Scratch, *args.Sync} {
		if _, err := env.Transport.Local(r); err != nil {
			return kindError(ErrNotSupported, err, names[i]+" buffer is not mapped")
		}
	}
	if args.Flags&FlagInPlace != 0 || args.Src.Overlaps(args.Dst) {
		return errors.Wrap(ErrNotSupported, "in-place reduction")
	} else if args.Flags&FlagPersistent != 0 {
		return errors.Wrap(ErrNotSupported, "persistent task")
	}

	if !args.Datatype.Valid() {
		return errors.Wrapf(ErrInvalidParam, "datatype %s", args.Datatype)
	} else if !args.Op.Valid() {
		return errors.Wrapf(ErrInvalidParam, "op %s", args.Op)
	} else if args.Count < 0 {
		return errors.Wrapf(ErrInvalidParam, "count %d", args.Count)
	} else if args.Sync.Length != collcomm.CounterSize {
		return errors.Wrapf(ErrInvalidParam, "synchronization buffer has %d bytes", args.Sync.Length)
	}
	total := args.Count * args.Datatype.Size()
	for _, r := range []collcomm.Region{args.Src, args.Dst, args.Scratch} {
		if r.Length < total {
			return errors.Wrapf(ErrInvalidParam, "buffer of %d bytes cannot hold %d bytes", r.Length, total)
		}
	}
	if args.Scratch.Overlaps(args.Src) || args.Scratch.Overlaps(args.Dst) {
		return errors.Wrap(ErrInvalidParam, "scratch buffer overlaps source or destination")
	}
	return nil
}

// ID returns a unique identifier for the task.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Phase returns the current phase of the write cycle.
func (t *Task) Phase() Phase {
	return t.phase
}

// Consumed returns the number of arrivals consumed so far.
func (t *Task) Consumed() int {
	if t.counter == nil {
		return 0
	}
	return t.counter.Consumed()
}

// Status returns ErrNotStarted before Start, ErrInProgress
// while the task runs, nil once it has succeeded, or the
// failure that ended it.
func (t *Task) Status() error {
	return t.status
}

// Start seeds the pipeline and enqueues the task.
//
// A count that does not split evenly across the ranks is
// rejected with ErrNotSupported before any buffer is
// touched.
func (t *Task) Start() error {
	if t.status != ErrNotStarted || t.finalized {
		return errors.Wrap(ErrInvalidParam, "task was already started")
	}
	n := t.team.Size
	if t.args.Count%n != 0 {
		err := errors.Wrapf(ErrNotSupported, "count %d is not divisible by %d ranks", t.args.Count, n)
		t.log.Debug("rejected allreduce", zap.Error(err))
		t.env.Metrics.recordTask(err)
		return err
	}
	t.segCount = t.args.Count / n
	t.segBytes = t.segCount * t.args.Datatype.Size()

	if err := t.resolveBuffers(); err != nil {
		return err
	}
	rank := t.team.Rank
	copy(t.segment(t.scratch, rank), t.segment(t.src, rank))

	executor, err := t.env.Executors.Acquire()
	if err != nil {
		return kindError(ErrReduction, err, "acquire executor")
	}
	t.executor = executor

	t.counter.Reset()
	if err := t.put(t.args.Scratch, rank, StepSeed); err != nil {
		t.executor = nil
		return multierr.Append(err, executor.Release())
	}
	t.phase = PhasePutting
	t.status = ErrInProgress
	t.log.Debug("started allreduce", zap.Int("count", t.args.Count),
		zap.Stringer("datatype", t.args.Datatype), zap.Stringer("op", t.args.Op))

	if err := t.env.Scheduler.Enqueue(t); err != nil {
		t.fail(errors.Wrap(err, "enqueue task"))
		return err
	}
	return nil
}

// Finalize releases the task's executor and any pending
// reduction.
//
// Finalizing a task that is still in progress aborts it.
// Release failures are returned, but never replace a
// failure already recorded in Status.
func (t *Task) Finalize() error {
	if t.finalized {
		return errors.Wrap(ErrInvalidParam, "task was already finalized")
	}
	t.finalized = true
	if t.status == ErrInProgress {
		t.fail(ErrAborted)
	}
	var err error
	if t.pendingReduce != nil {
		err = multierr.Append(err, errors.Wrap(t.pendingReduce.Finalize(), "finalize reduction"))
		t.pendingReduce = nil
	}
	if t.executor != nil {
		err = multierr.Append(err, errors.Wrap(t.executor.Release(), "release executor"))
		t.executor = nil
	}
	t.pendingWrite = nil
	t.pendingSignals = nil
	if err != nil {
		t.log.Warn("failed to release task resources", zap.Error(err))
	}
	return err
}

func (t *Task) resolveBuffers() error {
	bufs := []*[]byte{&t.src, &t.dst, &t.scratch}
	for i, r := range []collcomm.Region{t.args.Src, t.args.Dst, t.args.Scratch} {
		data, err := t.env.Transport.Local(r)
		if err != nil {
			return kindError(ErrNotSupported, err, "resolve buffer")
		}
		*bufs[i] = data
	}
	slot, err := t.env.Transport.Local(*t.args.Sync)
	if err != nil {
		return kindError(ErrNotSupported, err, "resolve synchronization buffer")
	}
	t.counter = NewSyncCounter(slot, t.team.Size)
	return nil
}

func (t *Task) segment(buf []byte, seg int) []byte {
	return buf[seg*t.segBytes : (seg+1)*t.segBytes]
}

// put posts a write of segment seg of the local region
// from into the same segment of the peer's destination.
func (t *Task) put(from collcomm.Region, seg int, kind Step) error {
	peer := Peer(t.team.Rank, t.team.Size)
	off := seg * t.segBytes
	req, err := t.env.Transport.PutNB(t.args.Dst.Sub(off, t.segBytes), from.Sub(off, t.segBytes), peer)
	if err != nil {
		return kindError(ErrTransport, err, "post "+kind.String()+" write")
	}
	t.pendingWrite = req
	t.env.Metrics.recordWrite(kind, t.segBytes)
	return nil
}

func (t *Task) succeed() {
	t.status = nil
	t.log.Debug("completed allreduce", zap.Int("steps", t.counter.Consumed()))
	t.env.Metrics.recordTask(nil)
}

func (t *Task) fail(err error) {
	t.status = err
	t.log.Warn("allreduce failed", zap.Int("consumed", t.Consumed()),
		zap.Stringer("phase", t.phase), zap.Error(err))
	t.env.Metrics.recordTask(err)
}
