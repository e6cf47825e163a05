package executor

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/simulator"
)

func sumArgs(a, b []float64) collcomm.ReduceArgs {
	return collcomm.ReduceArgs{
		Op:       collcomm.OpSum,
		Datatype: collcomm.Float64,
		SrcA:     collcomm.Encode(collcomm.Float64, a),
		SrcB:     collcomm.Encode(collcomm.Float64, b),
		Dst:      make([]byte, len(a)*8),
		Count:    len(a),
	}
}

func TestExecutorVirtualTime(t *testing.T) {
	loop := simulator.NewEventLoop()
	loop.Go(func(h *simulator.Handle) {
		pool := NewPool(h, 1)
		e, err := pool.Acquire()
		if !assert.NoError(t, err) {
			return
		}
		args := sumArgs([]float64{1, 2, 3, 4}, []float64{10, 20, 30, 40})
		task, err := e.Reduce(args)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, collcomm.ErrInProgress, task.Test())
		assert.Equal(t, make([]byte, 32), args.Dst, "reduction ran early")

		h.Sleep(collcomm.FlopTime * 8)
		assert.NoError(t, task.Test())
		assert.Equal(t, []float64{11, 22, 33, 44}, collcomm.Decode(collcomm.Float64, args.Dst))

		assert.Error(t, e.Release(), "release with a live task")
		assert.NoError(t, task.Finalize())
		assert.Error(t, task.Finalize())
		assert.NoError(t, e.Release())
		assert.True(t, errors.Is(e.Release(), ErrReleased))
		assert.Equal(t, 0, pool.InUse())
	})
	require.NoError(t, loop.Run())
}

func TestPoolExhausted(t *testing.T) {
	pool := NewPool(nil, 2)
	e1, err := pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Acquire()
	require.NoError(t, err)
	_, err = pool.Acquire()
	assert.True(t, errors.Is(err, ErrExhausted))

	require.NoError(t, e1.Release())
	_, err = pool.Acquire()
	assert.NoError(t, err)
	assert.Equal(t, 2, pool.InUse())
}

func TestExecutorFaults(t *testing.T) {
	injected := errors.New("kernel failed")
	pool := &Pool{Faults: func(args collcomm.ReduceArgs) error { return injected }}
	e, err := pool.Acquire()
	require.NoError(t, err)
	args := sumArgs([]float64{1}, []float64{2})
	task, err := e.Reduce(args)
	require.NoError(t, err)
	assert.Equal(t, injected, task.Test())
	assert.Equal(t, injected, task.Test())
	assert.Equal(t, make([]byte, 8), args.Dst)
	require.NoError(t, task.Finalize())
	require.NoError(t, e.Release())
}

func TestExecutorWithoutHandle(t *testing.T) {
	pool := NewPool(nil, 1)
	e, err := pool.Acquire()
	require.NoError(t, err)
	args := sumArgs([]float64{1, 2, 3}, []float64{4, 5, 6})
	task, err := e.Reduce(args)
	require.NoError(t, err)
	require.NoError(t, task.Test())
	assert.Equal(t, collcomm.Encode(collcomm.Float64, []float64{5, 7, 9}), args.Dst)
	require.NoError(t, task.Finalize())
	require.NoError(t, e.Release())
	assert.Equal(t, 0, pool.InUse())
}

func TestExecutorCancel(t *testing.T) {
	loop := simulator.NewEventLoop()
	loop.Go(func(h *simulator.Handle) {
		pool := NewPool(h, 0)
		e, _ := pool.Acquire()
		task, err := e.Reduce(sumArgs(make([]float64, 1000), make([]float64, 1000)))
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, task.Finalize())
		assert.True(t, errors.Is(task.Test(), ErrCanceled))
		assert.NoError(t, e.Release())
	})
	require.NoError(t, loop.Run())
}

func TestExecutorValidation(t *testing.T) {
	e, err := NewPool(nil, 1).Acquire()
	require.NoError(t, err)
	args := sumArgs([]float64{1, 2}, []float64{3, 4})
	args.Count = 3
	_, err = e.Reduce(args)
	assert.Error(t, err)
	require.NoError(t, e.Release())
	_, err = e.Reduce(sumArgs([]float64{1}, []float64{2}))
	assert.True(t, errors.Is(err, ErrReleased))
}
