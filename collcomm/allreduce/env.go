package allreduce

import (
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/collcomm/progress"
	"go.uber.org/zap"
)

// DefaultNumPolls is the number of transport progress
// calls a task makes per Progress while a write is
// pending, if Env.NumPolls is 0.
const DefaultNumPolls = 10

// A Transport posts one-sided operations to other ranks.
//
// *collcomm.Comms implements Transport.
type Transport interface {
	// Local resolves a registered region on this rank.
	// It fails if the region is not mapped for one-sided
	// access.
	Local(r collcomm.Region) ([]byte, error)

	// PutNB copies src on this rank into dst on peer.
	PutNB(dst, src collcomm.Region, peer int) (collcomm.Request, error)

	// AtomicAddNB adds delta to the counter at dst on peer.
	AtomicAddNB(dst collcomm.Region, delta int64, peer int) (collcomm.Request, error)

	// Progress drives outstanding operations, blocking for
	// a bounded amount of time at most.
	Progress()
}

// An ExecutorSource hands out reduction executors.
//
// *executor.Pool implements ExecutorSource.
type ExecutorSource interface {
	Acquire() (collcomm.Executor, error)
}

// A Scheduler progresses enqueued tasks until they finish.
//
// *progress.Queue implements Scheduler.
type Scheduler interface {
	Enqueue(t progress.Task) error
}

// Env holds the collaborators of a task on one rank.
type Env struct {
	Transport Transport
	Executors ExecutorSource
	Scheduler Scheduler

	// Logger receives debug and warning messages about the
	// task. If nil, nothing is logged.
	Logger *zap.Logger

	// Metrics, if non-nil, is updated as the task runs.
	Metrics *Metrics

	// NumPolls bounds the transport progress calls made in
	// one Progress while a write is pending.
	//
	// If NumPolls is 0, DefaultNumPolls is used. Init
	// rejects negative values.
	NumPolls int
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) numPolls() int {
	if e.NumPolls == 0 {
		return DefaultNumPolls
	}
	return e.NumPolls
}

// A Team is the ring of ranks taking part in a task.
type Team struct {
	Rank int
	Size int
}

// Flags describe how the buffers of a task were set up.
type Flags uint

const (
	// FlagMemMapped indicates that every buffer was
	// registered for one-sided access.
	FlagMemMapped Flags = 1 << iota

	// FlagInPlace requests that Src double as Dst.
	FlagInPlace

	// FlagPersistent requests a task that can be started
	// more than once.
	FlagPersistent
)

// Args describes one allreduce invocation on one rank.
//
// Every rank must pass regions with the same keys and
// offsets, since writes address the peer's memory through
// the local regions.
type Args struct {
	Src     collcomm.Region
	Dst     collcomm.Region
	Scratch collcomm.Region

	// Sync is the 8-byte counter slot that the previous
	// rank signals arrivals through.
	Sync *collcomm.Region

	Count    int
	Datatype collcomm.Datatype
	Op       collcomm.Op
	Flags    Flags
}
