// Command bench_allreduce measures the virtual time that
// the ring allreduce takes on simulated networks.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/ringput/collcomm"
	"github.com/unixpickle/ringput/collcomm/allreduce"
	"github.com/unixpickle/ringput/simulator"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bench_allreduce",
	Short: "Benchmark the one-sided ring allreduce in virtual time",
	Long: `bench_allreduce runs the ring allreduce over simulated networks and prints
a markdown table of the virtual time each run took.

Settings come from an optional YAML file. Scalar settings may be overridden
with environment variables, e.g. BENCH_POLL_INTERVAL=0.01.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runBenchmarks(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Run creates a network of the given kind and drops each
// host into its own Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, kind string, commFn func(c *collcomm.Comms)) error {
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	var network simulator.Network
	switch kind {
	case NetworkSwitched:
		switcher := simulator.NewGreedyDropSwitcher(r.NumNodes, r.Rate)
		network = simulator.NewSwitcherNetwork(switcher, nodes, r.Latency)
	case NetworkOrdered:
		network = simulator.NewOrderedNetwork(r.Rate, r.Latency)
	default:
		return errors.Errorf("unknown network: %q", kind)
	}
	collcomm.SpawnComms(loop, network, nodes, nil, commFn)
	return loop.Run()
}

type job struct {
	run      RunInfo
	size     int
	numPolls int
}

func runBenchmarks(w, progressOut io.Writer, cfg *Config) error {
	dt, err := collcomm.ParseDatatype(cfg.Datatype)
	if err != nil {
		return err
	}

	var jobs []job
	for _, run := range cfg.Runs {
		for _, size := range cfg.Sizes {
			for _, numPolls := range cfg.NumPolls {
				jobs = append(jobs, job{run: run, size: run.RoundedSize(size), numPolls: numPolls})
			}
		}
	}
	times := make([]float64, len(jobs))

	bar := progressbar.NewOptions(len(jobs),
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionSetDescription("simulating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i, j := range jobs {
		g.Go(func() error {
			reducer := allreduce.RingAllreducer{Datatype: dt, NumPolls: j.numPolls}
			loop := simulator.NewEventLoop()
			nodeErrs := make([]error, j.run.NumNodes)
			err := j.run.Run(loop, cfg.Network, func(c *collcomm.Comms) {
				c.PollInterval = cfg.PollInterval
				_, nodeErrs[c.Index()] = reducer.Allreduce(c, make([]float64, j.size), collcomm.OpSum)
			})
			if err == nil {
				err = multierr.Combine(nodeErrs...)
			}
			if err != nil {
				return errors.Wrapf(err, "%d nodes, size %d", j.run.NumNodes, j.size)
			}
			times[i] = loop.Time()
			return bar.Add(1)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	essentials.Must(bar.Finish())
	fmt.Fprintln(progressOut)

	printTable(w, cfg, dt, jobs, times)
	return nil
}

func printTable(w io.Writer, cfg *Config, dt collcomm.Datatype, jobs []job, times []float64) {
	// Markdown table header.
	fmt.Fprint(w, "| Nodes | Latency | NIC rate | Size ")
	for _, numPolls := range cfg.NumPolls {
		fmt.Fprintf(w, "| NumPolls=%d ", numPolls)
	}
	fmt.Fprintln(w, "|")
	for i := 0; i < 4+len(cfg.NumPolls); i++ {
		fmt.Fprint(w, "|:--")
	}
	fmt.Fprintln(w, "|")

	// Markdown table body.
	for i := 0; i < len(jobs); i += len(cfg.NumPolls) {
		j := jobs[i]
		fmt.Fprintf(
			w,
			"| %d | %s | %s | %s ",
			j.run.NumNodes,
			strconv.FormatFloat(j.run.Latency, 'f', -1, 64),
			strconv.FormatFloat(j.run.Rate, 'E', -1, 64),
			humanize.IBytes(uint64(j.size*dt.Size())),
		)
		for k := range cfg.NumPolls {
			fmt.Fprintf(w, "| %f ", times[i+k])
		}
		fmt.Fprintln(w, "|")
	}
}
