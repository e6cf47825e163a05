package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// Vector sizes are chosen to split evenly across every
// node count.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 3, 5, 16} {
		for _, size := range []int{0, 1680} {
			for _, networkKind := range []string{"Ordered", "Random", "Switched"} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Network=%s", numNodes, size, networkKind)
				t.Run(testName, func(t *testing.T) {
					loop := simulator.NewEventLoop()
					vectors := make([][]float64, numNodes)
					nodes := make([]*simulator.Node, numNodes)
					sum := make([]float64, size)
					for i := range nodes {
						vectors[i] = make([]float64, size)
						for j := range vectors[i] {
							vectors[i][j] = rand.NormFloat64()
							sum[j] += vectors[i][j]
						}
						nodes[i] = simulator.NewNode()
					}

					var network simulator.Network
					switch networkKind {
					case "Random":
						network = simulator.RandomNetwork{MaxLatency: 0.01}
					case "Ordered":
						network = simulator.NewOrderedNetwork(1e6, 0.01)
					case "Switched":
						switcher := simulator.NewGreedyDropSwitcher(numNodes, 1e6)
						network = simulator.NewSwitcherNetwork(switcher, nodes, 0.01)
					}

					results := make([][]float64, numNodes)
					errs := make([]error, numNodes)
					collcomm.SpawnComms(loop, network, nodes, nil, func(c *collcomm.Comms) {
						results[c.Index()], errs[c.Index()] = reducer.Allreduce(c, vectors[c.Index()],
							collcomm.OpSum)
					})

					if err := loop.Run(); err != nil {
						t.Fatal(err)
					}
					for i, err := range errs {
						if err != nil {
							t.Fatalf("node %d: %v", i, err)
						}
					}

					verifyReductionResults(t, results, sum)
				})
			}
		}
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	if len(results[0]) != len(expected) {
		t.Errorf("result 0 has length %d but expected %d", len(results[0]), len(expected))
		return
	}
	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
