package allreduce

import "github.com/unixpickle/ringput/collcomm"

// Progress advances the task without blocking for more
// than a bounded number of transport polls.
//
// It is safe to call at any time; once the task has
// finished, it does nothing.
func (t *Task) Progress() {
	if t.status != ErrInProgress {
		return
	}
	if !t.checkSignals() {
		return
	}
	if t.consumeArrival() {
		return
	}
	switch t.phase {
	case PhasePutting:
		t.progressPut()
	case PhaseAtomicing:
		// The atomic is not waited on here. Its completion is
		// checked by checkSignals on later calls.
		t.env.Transport.Progress()
		t.phase = PhaseIdle
	case PhaseIdle:
		t.progressIdle()
	}
}

// checkSignals drops acknowledged arrival signals and
// fails the task if the peer rejected one.
func (t *Task) checkSignals() bool {
	pending := t.pendingSignals[:0]
	for _, req := range t.pendingSignals {
		switch err := req.Test(); err {
		case nil:
		case collcomm.ErrInProgress:
			pending = append(pending, req)
		default:
			t.pendingSignals = nil
			t.fail(kindError(ErrTransport, err, "signal arrival"))
			return false
		}
	}
	t.pendingSignals = pending
	return true
}

// consumeArrival takes the next arrival off the counter
// if the task is free to act on it, and reports whether
// the current call should end there.
func (t *Task) consumeArrival() bool {
	if t.phase != PhaseIdle || t.pendingReduce != nil || t.counter.Done() || !t.counter.Arrived() {
		return false
	}
	step := t.counter.Advance()
	t.env.Metrics.recordStep()
	seg := SegmentAt(t.team.Rank, step, t.team.Size)

	switch StepKind(step, t.team.Size) {
	case StepReduce:
		t.submitReduce(seg)
		return true
	case StepForward:
		if err := t.put(t.args.Dst, seg, StepForward); err != nil {
			t.fail(err)
		} else {
			t.phase = PhasePutting
		}
		return true
	}
	return false
}

func (t *Task) submitReduce(seg int) {
	task, err := t.executor.Reduce(collcomm.ReduceArgs{
		Op:       t.args.Op,
		Datatype: t.args.Datatype,
		SrcA:     t.segment(t.src, seg),
		SrcB:     t.segment(t.dst, seg),
		Dst:      t.segment(t.scratch, seg),
		Count:    t.segCount,
	})
	if err != nil {
		t.fail(kindError(ErrReduction, err, "submit reduction"))
		return
	}
	t.pendingReduce = task
	t.env.Metrics.recordReduction()
}

func (t *Task) progressPut() {
	err := t.pendingWrite.Test()
	for i := 0; err == collcomm.ErrInProgress && i < t.env.numPolls(); i++ {
		t.env.Transport.Progress()
		err = t.pendingWrite.Test()
	}
	if err == collcomm.ErrInProgress {
		return
	}
	t.pendingWrite = nil
	if err != nil {
		t.fail(kindError(ErrTransport, err, "write"))
		return
	}
	peer := Peer(t.team.Rank, t.team.Size)
	req, err := t.env.Transport.AtomicAddNB(*t.args.Sync, 1, peer)
	if err != nil {
		t.fail(kindError(ErrTransport, err, "signal arrival"))
		return
	}
	t.pendingSignals = append(t.pendingSignals, req)
	t.env.Metrics.recordAtomic()
	t.phase = PhaseAtomicing
}

func (t *Task) progressIdle() {
	if t.pendingReduce == nil {
		// The last signal must be acknowledged before the
		// task can report success.
		if t.counter.Done() {
			t.env.Transport.Progress()
			if len(t.pendingSignals) == 0 {
				t.succeed()
			}
		}
		return
	}
	status := t.pendingReduce.Test()
	if status == collcomm.ErrInProgress {
		return
	}
	finalizeErr := t.pendingReduce.Finalize()
	t.pendingReduce = nil
	if status != nil {
		t.fail(kindError(ErrReduction, status, "reduction"))
		return
	} else if finalizeErr != nil {
		t.fail(kindError(ErrReduction, finalizeErr, "finalize reduction"))
		return
	}
	seg := SegmentAt(t.team.Rank, t.counter.Consumed(), t.team.Size)
	if err := t.put(t.args.Scratch, seg, StepReduce); err != nil {
		t.fail(err)
		return
	}
	t.phase = PhasePutting
}

// Snapshot summarizes the task for logging and tests.
type Snapshot struct {
	Phase         Phase
	Consumed      int
	PendingWrite  bool
	PendingReduce bool

	// PendingSignals counts arrival signals that have not
	// been acknowledged.
	PendingSignals int
	Status         error
}

// Snapshot captures the task's current state.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{
		Phase:          t.phase,
		Consumed:       t.Consumed(),
		PendingWrite:   t.pendingWrite != nil,
		PendingReduce:  t.pendingReduce != nil,
		PendingSignals: len(t.pendingSignals),
		Status:         t.status,
	}
}
