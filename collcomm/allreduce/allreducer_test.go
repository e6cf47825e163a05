package allreduce

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/collcomm/executor"
	"github.com/unixpickle/ringput/collcomm/progress"
	"github.com/unixpickle/ringput/simulator"
)

func TestRingAllreducer(t *testing.T) {
	RunAllreducerTests(t, RingAllreducer{})
}

func runReducer(t *testing.T, reducer Allreducer, network simulator.Network, op collcomm.Op,
	inputs [][]float64) ([][]float64, []error) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, len(inputs))
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	results := make([][]float64, len(inputs))
	errs := make([]error, len(inputs))
	collcomm.SpawnComms(loop, network, nodes, nil, func(c *collcomm.Comms) {
		results[c.Index()], errs[c.Index()] = reducer.Allreduce(c, inputs[c.Index()], op)
	})
	require.NoError(t, loop.Run())
	return results, errs
}

func TestRingAllreducerScenarios(t *testing.T) {
	tests := []struct {
		name     string
		inputs   [][]float64
		expected []float64
	}{
		// One element per segment, so every segment sees the same sum.
		{"ThreeRanks", [][]float64{{1, 1, 1}, {10, 10, 10}, {100, 100, 100}}, []float64{111, 111, 111}},
		{"TwoRanks", [][]float64{{3, 4}, {5, 6}}, []float64{8, 10}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			networks := []simulator.Network{
				simulator.RandomNetwork{MaxLatency: 0.01},
				simulator.NewOrderedNetwork(1e6, 0.01),
			}
			for _, network := range networks {
				results, errs := runReducer(t, RingAllreducer{}, network, collcomm.OpSum, test.inputs)
				for i := range results {
					require.NoError(t, errs[i])
					assert.Equal(t, test.expected, results[i], "rank %d", i)
				}
			}
		})
	}
}

func TestRingAllreducerDatatypes(t *testing.T) {
	inputs := [][]float64{
		{1, 8, 3, -4, 5, 0.5, 7, 2},
		{6, 2, 3, 4, -5, 0.25, 1, 2},
		{2, 2, 9, 1, 5, 0.75, 3, 2},
		{4, 1, 0, 0, 6, 1.5, 2, 2},
	}
	tests := []struct {
		name     string
		reducer  RingAllreducer
		op       collcomm.Op
		expected []float64
	}{
		{"Float16Max", RingAllreducer{Datatype: collcomm.Float16}, collcomm.OpMax,
			[]float64{6, 8, 9, 4, 6, 1.5, 7, 2}},
		{"Float32Min", RingAllreducer{Datatype: collcomm.Float32}, collcomm.OpMin,
			[]float64{1, 1, 0, -4, -5, 0.25, 1, 2}},
		{"Int64Sum", RingAllreducer{Datatype: collcomm.Int64}, collcomm.OpSum,
			[]float64{13, 13, 15, 1, 11, 1, 13, 8}},
		{"Int32Prod", RingAllreducer{Datatype: collcomm.Int32}, collcomm.OpProd,
			[]float64{48, 32, 0, 0, -750, 0, 42, 16}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			results, errs := runReducer(t, test.reducer, simulator.RandomNetwork{MaxLatency: 0.01},
				test.op, inputs)
			for i := range results {
				require.NoError(t, errs[i])
				assert.Equal(t, test.expected, results[i], "rank %d", i)
			}
		})
	}
}

func TestRingAllreducerUnevenCount(t *testing.T) {
	inputs := [][]float64{{1, 2, 3, 4}, {1, 2, 3, 4}, {1, 2, 3, 4}}
	results, errs := runReducer(t, RingAllreducer{}, simulator.RandomNetwork{}, collcomm.OpSum, inputs)
	for i := range results {
		assert.Nil(t, results[i])
		assert.True(t, errors.Is(errs[i], ErrNotSupported), "rank %d: %v", i, errs[i])
	}
}

func TestRingAllreducerMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	inputs := [][]float64{{1, 2, 3, 4, 5, 6}, {1, 2, 3, 4, 5, 6}, {1, 2, 3, 4, 5, 6}}
	_, errs := runReducer(t, RingAllreducer{Metrics: metrics}, simulator.NewOrderedNetwork(1e6, 0.01),
		collcomm.OpSum, inputs)
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("success")))
	assert.Equal(t, 15.0, testutil.ToFloat64(metrics.StepsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.WritesTotal.WithLabelValues("seed")))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.WritesTotal.WithLabelValues("reduce")))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.WritesTotal.WithLabelValues("forward")))
	assert.Equal(t, 15.0*16, testutil.ToFloat64(metrics.WriteBytesTotal))
	assert.Equal(t, 15.0, testutil.ToFloat64(metrics.AtomicsTotal))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.ReductionsTotal))
}

// ringBuffers are the regions of one ring allreduce, which
// have the same keys on every rank.
type ringBuffers struct {
	Src     collcomm.Region
	Dst     collcomm.Region
	Scratch collcomm.Region
	Syncs   []collcomm.Region
}

func registerRing(inputs [][]float64, numSyncs int) ([]*collcomm.Memory, ringBuffers) {
	mems := make([]*collcomm.Memory, len(inputs))
	var bufs ringBuffers
	for i, input := range inputs {
		mems[i] = collcomm.NewMemory()
		size := len(input) * 8
		bufs.Src = mems[i].Register(collcomm.Encode(collcomm.Float64, input))
		bufs.Dst = mems[i].Register(make([]byte, size))
		bufs.Scratch = mems[i].Register(make([]byte, size))
		bufs.Syncs = nil
		for j := 0; j < numSyncs; j++ {
			bufs.Syncs = append(bufs.Syncs, mems[i].Register(make([]byte, collcomm.CounterSize)))
		}
	}
	return mems, bufs
}

func (r ringBuffers) args(count, sync int) *Args {
	return &Args{
		Src:      r.Src,
		Dst:      r.Dst,
		Scratch:  r.Scratch,
		Sync:     &r.Syncs[sync],
		Count:    count,
		Datatype: collcomm.Float64,
		Op:       collcomm.OpSum,
		Flags:    FlagMemMapped,
	}
}

type rankOutcome struct {
	Task *Task
	Err  error
}

// runTasks drives one task per rank over pre-registered
// memory, checking that every executor is released.
func runTasks(t *testing.T, network simulator.Network, mems []*collcomm.Memory, args *Args,
	configure func(c *collcomm.Comms, pool *executor.Pool, env *Env), maxPasses int) []rankOutcome {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, len(mems))
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	outcomes := make([]rankOutcome, len(mems))
	collcomm.SpawnComms(loop, network, nodes, mems, func(c *collcomm.Comms) {
		rank := c.Index()
		pool := executor.NewPool(c.Handle, 1)
		queue := progress.NewQueue(c)
		env := Env{Transport: c, Executors: pool, Scheduler: queue}
		if configure != nil {
			configure(c, pool, &env)
		}
		out := &outcomes[rank]
		out.Task, out.Err = Init(args, Team{Rank: rank, Size: c.Size()}, env)
		if out.Err != nil {
			return
		}
		if out.Err = out.Task.Start(); out.Err != nil {
			out.Task.Finalize()
			return
		}
		out.Err = queue.Run(context.Background(), maxPasses)
		assert.NoError(t, out.Task.Finalize())
		assert.Equal(t, 0, pool.InUse(), "rank %d leaked an executor", rank)
		if out.Err == nil {
			out.Err = out.Task.Status()
		}
	})
	require.NoError(t, loop.Run())
	return outcomes
}

func readDst(t *testing.T, mems []*collcomm.Memory, dst collcomm.Region) [][]float64 {
	var res [][]float64
	for _, mem := range mems {
		data, err := mem.Bytes(dst)
		require.NoError(t, err)
		res = append(res, collcomm.Decode(collcomm.Float64, data))
	}
	return res
}

func TestTaskRepeatedInvocation(t *testing.T) {
	inputs := [][]float64{{1, 2, 3, 4}, {10, 20, 30, 40}, {100, 200, 300, 400}, {5, 5, 5, 5}}
	expected := []float64{116, 227, 338, 449}
	mems, bufs := registerRing(inputs, 2)

	var first [][]float64
	for sync := 0; sync < 2; sync++ {
		outcomes := runTasks(t, simulator.RandomNetwork{MaxLatency: 0.01}, mems, bufs.args(4, sync), nil, 0)
		for i, out := range outcomes {
			require.NoError(t, out.Err, "rank %d", i)
			assert.Equal(t, Steps(4), out.Task.Consumed())
		}
		results := readDst(t, mems, bufs.Dst)
		for _, res := range results {
			assert.Equal(t, expected, res)
		}
		if first == nil {
			first = results
		} else {
			assert.Equal(t, first, results)
		}
	}
}

type auditTransport struct {
	Transport
	inFlight    int
	maxInFlight int
}

func (a *auditTransport) PutNB(dst, src collcomm.Region, peer int) (collcomm.Request, error) {
	req, err := a.Transport.PutNB(dst, src, peer)
	if err != nil {
		return nil, err
	}
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	return &auditRequest{Request: req, done: func() { a.inFlight-- }}, nil
}

type auditRequest struct {
	collcomm.Request
	done     func()
	finished bool
}

func (a *auditRequest) Test() error {
	err := a.Request.Test()
	if err != collcomm.ErrInProgress && !a.finished {
		a.finished = true
		a.done()
	}
	return err
}

type auditExecutors struct {
	ExecutorSource
	inFlight    int
	maxInFlight int
}

func (a *auditExecutors) Acquire() (collcomm.Executor, error) {
	e, err := a.ExecutorSource.Acquire()
	if err != nil {
		return nil, err
	}
	return &auditExecutor{Executor: e, audit: a}, nil
}

type auditExecutor struct {
	collcomm.Executor
	audit *auditExecutors
}

func (a *auditExecutor) Reduce(args collcomm.ReduceArgs) (collcomm.ReduceTask, error) {
	task, err := a.Executor.Reduce(args)
	if err != nil {
		return nil, err
	}
	a.audit.inFlight++
	if a.audit.inFlight > a.audit.maxInFlight {
		a.audit.maxInFlight = a.audit.inFlight
	}
	return &auditReduceTask{ReduceTask: task, audit: a.audit}, nil
}

type auditReduceTask struct {
	collcomm.ReduceTask
	audit *auditExecutors
}

func (a *auditReduceTask) Finalize() error {
	a.audit.inFlight--
	return a.ReduceTask.Finalize()
}

func TestTaskSingleFlight(t *testing.T) {
	for _, n := range []int{2, 5, 8} {
		inputs := make([][]float64, n)
		expected := make([]float64, 2*n)
		for i := range inputs {
			inputs[i] = make([]float64, 2*n)
			for j := range inputs[i] {
				inputs[i][j] = float64(i*j + 1)
				expected[j] += inputs[i][j]
			}
		}
		mems, bufs := registerRing(inputs, 1)
		transports := make([]*auditTransport, n)
		executors := make([]*auditExecutors, n)
		outcomes := runTasks(t, simulator.NewOrderedNetwork(1e5, 0.01), mems, bufs.args(2*n, 0),
			func(c *collcomm.Comms, pool *executor.Pool, env *Env) {
				transports[c.Index()] = &auditTransport{Transport: env.Transport}
				executors[c.Index()] = &auditExecutors{ExecutorSource: env.Executors}
				env.Transport = transports[c.Index()]
				env.Executors = executors[c.Index()]
				env.NumPolls = 1
			}, 0)
		for i, out := range outcomes {
			require.NoError(t, out.Err)
			assert.Equal(t, Steps(n), out.Task.Consumed())
			assert.Equal(t, 1, transports[i].maxInFlight, "n=%d rank=%d", n, i)
			assert.Equal(t, 0, transports[i].inFlight)
			assert.Equal(t, 1, executors[i].maxInFlight, "n=%d rank=%d", n, i)
			assert.Equal(t, 0, executors[i].inFlight)
		}
		for _, res := range readDst(t, mems, bufs.Dst) {
			assert.Equal(t, expected, res)
		}
	}
}

func TestTaskTransportFault(t *testing.T) {
	inputs := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	mems, bufs := registerRing(inputs, 1)
	rejected := errors.New("remote key rejected")
	outcomes := runTasks(t, simulator.RandomNetwork{MaxLatency: 0.01}, mems, bufs.args(3, 0),
		func(c *collcomm.Comms, pool *executor.Pool, env *Env) {
			if c.Index() == 1 {
				c.Faults = func(kind collcomm.OpKind, source int, target collcomm.Region) error {
					if kind == collcomm.OpPut {
						return rejected
					}
					return nil
				}
			}
		}, 500)

	assert.True(t, errors.Is(outcomes[0].Err, ErrTransport), "%v", outcomes[0].Err)
	assert.True(t, errors.Is(outcomes[0].Err, rejected))
	for _, out := range outcomes[1:] {
		assert.True(t, errors.Is(out.Err, progress.ErrStalled), "%v", out.Err)
	}
}

func TestTaskSignalFault(t *testing.T) {
	inputs := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	mems, bufs := registerRing(inputs, 1)
	rejected := errors.New("counter update rejected")
	outcomes := runTasks(t, simulator.RandomNetwork{MaxLatency: 0.01}, mems, bufs.args(3, 0),
		func(c *collcomm.Comms, pool *executor.Pool, env *Env) {
			if c.Index() == 1 {
				c.Faults = func(kind collcomm.OpKind, source int, target collcomm.Region) error {
					if kind == collcomm.OpAtomicAdd {
						return rejected
					}
					return nil
				}
			}
		}, 500)

	assert.True(t, errors.Is(outcomes[0].Err, ErrTransport), "%v", outcomes[0].Err)
	assert.True(t, errors.Is(outcomes[0].Err, rejected))
	for _, out := range outcomes[1:] {
		assert.True(t, errors.Is(out.Err, progress.ErrStalled), "%v", out.Err)
	}
}

func TestTaskReductionFault(t *testing.T) {
	inputs := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	mems, bufs := registerRing(inputs, 1)
	nan := errors.New("produced NaN")
	outcomes := runTasks(t, simulator.RandomNetwork{MaxLatency: 0.01}, mems, bufs.args(3, 0),
		func(c *collcomm.Comms, pool *executor.Pool, env *Env) {
			pool.Faults = func(args collcomm.ReduceArgs) error {
				return nan
			}
		}, 500)
	for i, out := range outcomes {
		assert.True(t, errors.Is(out.Err, ErrReduction), "rank %d: %v", i, out.Err)
		assert.True(t, errors.Is(out.Err, nan))
		assert.Equal(t, 1, out.Task.Consumed())
	}
}

func TestTaskStallsWhenPeerIsDown(t *testing.T) {
	inputs := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	mems, bufs := registerRing(inputs, 1)
	network := simulator.NewOrderedNetwork(1e6, 0.01)
	outcomes := runTasks(t, network, mems, bufs.args(3, 0),
		func(c *collcomm.Comms, pool *executor.Pool, env *Env) {
			if c.Index() == 2 {
				network.SetDown(c.Handle, c.Port.Node, true)
			}
		}, 200)
	for i, out := range outcomes {
		assert.True(t, errors.Is(out.Err, progress.ErrStalled), "rank %d: %v", i, out.Err)
		assert.True(t, errors.Is(out.Task.Status(), ErrAborted))
		assert.Less(t, out.Task.Consumed(), Steps(3))
	}
}
