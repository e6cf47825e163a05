// Package allreduce implements a pipelined ring allreduce
// on top of one-sided writes and remote atomic counters.
package allreduce

import (
	"context"

	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/collcomm/executor"
	"github.com/unixpickle/ringput/collcomm/progress"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Allreducer is an algorithm that can apply a reduction
// to vectors that are distributed across nodes.
//
// It is not safe to call Allreduce() multiple times in a
// row with the same Comms object.
// A new set of ports must be used every time to avoid
// interference.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, op collcomm.Op) ([]float64, error)
}

// RingAllreducer runs a single ring allreduce Task on each
// node, driving it with a progress.Queue.
type RingAllreducer struct {
	// Datatype is the element type that data is converted
	// to for the reduction. The zero value is Float64.
	Datatype collcomm.Datatype

	// NumPolls is passed along in the task's Env.
	NumPolls int

	// MaxPasses bounds the number of passes over the
	// node's progress queue. If 0, there is no bound.
	MaxPasses int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Allreduce registers symmetric buffers for the data and
// runs the ring algorithm over them.
//
// Every node must call Allreduce with the same number of
// elements, and that number must be divisible by the
// number of nodes.
func (r RingAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	op collcomm.Op) ([]float64, error) {
	size := len(data) * r.Datatype.Size()
	regions := []collcomm.Region{
		c.Memory.Register(collcomm.Encode(r.Datatype, data)),
		c.Memory.Register(make([]byte, size)),
		c.Memory.Register(make([]byte, size)),
		c.Memory.Register(make([]byte, collcomm.CounterSize)),
	}
	defer func() {
		for _, region := range regions {
			c.Memory.Deregister(region)
		}
	}()
	sync := regions[3]
	args := &Args{
		Src:      regions[0],
		Dst:      regions[1],
		Scratch:  regions[2],
		Sync:     &sync,
		Count:    len(data),
		Datatype: r.Datatype,
		Op:       op,
		Flags:    FlagMemMapped,
	}

	queue := progress.NewQueue(c)
	env := Env{
		Transport: c,
		Executors: executor.NewPool(c.Handle, 1),
		Scheduler: queue,
		Logger:    r.Logger,
		Metrics:   r.Metrics,
		NumPolls:  r.NumPolls,
	}
	task, err := Init(args, Team{Rank: c.Index(), Size: c.Size()}, env)
	if err != nil {
		return nil, err
	}
	if err := task.Start(); err != nil {
		return nil, multierr.Append(err, task.Finalize())
	}
	runErr := queue.Run(context.Background(), r.MaxPasses)
	if err := task.Finalize(); err != nil {
		return nil, multierr.Append(runErr, err)
	} else if runErr != nil {
		return nil, runErr
	} else if err := task.Status(); err != nil {
		return nil, err
	}

	result, err := c.Local(args.Dst)
	if err != nil {
		return nil, errors.Wrap(err, "read result")
	}
	return collcomm.Decode(r.Datatype, result), nil
}
