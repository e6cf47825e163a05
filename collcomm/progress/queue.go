// Package progress implements a cooperative scheduler
// that repeatedly drives non-blocking tasks until they
// finish.
package progress

import (
	"context"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/ringput/collcomm"
)

// ErrStalled is returned by Queue.Run when tasks are
// still pending after the allowed number of passes.
var ErrStalled = errors.New("progress: tasks did not finish")

// A Task is a unit of non-blocking work.
type Task interface {
	// Progress advances the task without blocking for
	// more than a bounded amount of time.
	Progress()

	// Status returns collcomm.ErrInProgress while the task
	// should keep being progressed.
	// Any other value is final.
	Status() error
}

// A Worker drives communication that is not tied to any
// particular task, such as the network adapter of a node.
type Worker interface {
	Progress()
}

// A Queue holds the tasks of one node.
//
// A Queue is not safe for concurrent use.
type Queue struct {
	// Worker, if non-nil, is progressed once after every
	// pass over the tasks.
	Worker Worker

	tasks []Task
}

// NewQueue creates a Queue that drives w.
func NewQueue(w Worker) *Queue {
	return &Queue{Worker: w}
}

// Enqueue adds a task to the queue.
//
// The task will be progressed at least once, even if it
// has already finished by the next pass.
func (q *Queue) Enqueue(t Task) error {
	if t == nil {
		return errors.New("progress: enqueue nil task")
	}
	q.tasks = append(q.tasks, t)
	return nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Progress makes one pass over the queue.
// Tasks that are no longer in progress after their turn
// are removed.
//
// It returns the number of tasks that were removed.
func (q *Queue) Progress() int {
	var finished int
	for i := 0; i < len(q.tasks); i++ {
		task := q.tasks[i]
		task.Progress()
		if task.Status() != collcomm.ErrInProgress {
			essentials.OrderedDelete(&q.tasks, i)
			i--
			finished++
		}
	}
	if q.Worker != nil {
		q.Worker.Progress()
	}
	return finished
}

// Run progresses the queue until it is empty.
//
// If maxPasses is positive, Run gives up with ErrStalled
// after that many passes.
// Timing out is the caller's responsibility: the queued
// tasks are left in place when Run returns early.
func (q *Queue) Run(ctx context.Context, maxPasses int) error {
	for pass := 0; q.Len() > 0; pass++ {
		if maxPasses > 0 && pass >= maxPasses {
			return errors.Wrapf(ErrStalled, "%d tasks pending after %d passes", q.Len(), pass)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.Progress()
	}
	return nil
}
