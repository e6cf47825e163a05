package main

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/collcomm"
)

// EnvPrefix marks environment variables that override
// scalar settings, e.g. BENCH_POLL_INTERVAL.
const EnvPrefix = "BENCH_"

// Network kinds understood by the network setting.
const (
	// NetworkSwitched shares each NIC's rate between the
	// messages using it, with a fixed latency.
	NetworkSwitched = "switched"

	// NetworkOrdered delivers messages to each node in
	// order, with a random latency of up to Latency.
	NetworkOrdered = "ordered"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int     `koanf:"nodes"`
	Latency  float64 `koanf:"latency"`
	Rate     float64 `koanf:"rate"`
}

// Config controls which simulations are run.
type Config struct {
	Runs  []RunInfo `koanf:"runs"`
	Sizes []int     `koanf:"sizes"`

	// NumPolls lists the values of the per-call poll bound
	// to compare. Each one gets its own column.
	NumPolls []int `koanf:"num_polls"`

	PollInterval float64 `koanf:"poll_interval"`
	Datatype     string  `koanf:"datatype"`
	Network      string  `koanf:"network"`

	// Parallel is the number of simulations run at once.
	Parallel int `koanf:"parallel"`
}

// DefaultConfig returns the configuration used when no
// file is given.
func DefaultConfig() *Config {
	return &Config{
		Runs: []RunInfo{
			{NumNodes: 2, Latency: 0.1, Rate: 1e6},
			{NumNodes: 16, Latency: 1e-3, Rate: 1e6},
			{NumNodes: 32, Latency: 0.1, Rate: 1e6},
			{NumNodes: 32, Latency: 0.1, Rate: 1e9},
			{NumNodes: 32, Latency: 1e-4, Rate: 1e9},
		},
		Sizes:        []int{10, 10000, 100000},
		NumPolls:     []int{1, 10, 100},
		PollInterval: collcomm.DefaultPollInterval,
		Datatype:     collcomm.Float64.String(),
		Network:      NetworkSwitched,
		Parallel:     4,
	}
}

// LoadConfig reads a YAML file, if path is non-empty, and
// then applies environment overrides on top of the
// defaults.
func LoadConfig(path string) (*Config, error) {
	var content []byte
	if path != "" {
		var err error
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return ParseConfig(content)
}

// ParseConfig is like LoadConfig, but takes the YAML
// document directly.
func ParseConfig(content []byte) (*Config, error) {
	k := koanf.New(".")
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if len(cfg.Runs) == 0 {
		cfg.Runs = defaults.Runs
	}
	if len(cfg.Sizes) == 0 {
		cfg.Sizes = defaults.Sizes
	}
	if len(cfg.NumPolls) == 0 {
		cfg.NumPolls = defaults.NumPolls
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Datatype == "" {
		cfg.Datatype = defaults.Datatype
	}
	if cfg.Network == "" {
		cfg.Network = defaults.Network
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = defaults.Parallel
	}
}

// Validate checks that every simulation can be run.
func (c *Config) Validate() error {
	if len(c.Runs) == 0 || len(c.Sizes) == 0 || len(c.NumPolls) == 0 {
		return errors.New("config needs at least one run, size, and poll count")
	}
	for _, run := range c.Runs {
		if run.NumNodes <= 0 || run.Rate <= 0 || run.Latency < 0 {
			return errors.Errorf("invalid run: %+v", run)
		}
	}
	for _, size := range c.Sizes {
		if size < 0 {
			return errors.Errorf("invalid size: %d", size)
		}
	}
	for _, n := range c.NumPolls {
		if n <= 0 {
			return errors.Errorf("invalid poll count: %d", n)
		}
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("invalid poll interval: %f", c.PollInterval)
	} else if c.Parallel <= 0 {
		return errors.Errorf("invalid parallelism: %d", c.Parallel)
	} else if c.Network != NetworkSwitched && c.Network != NetworkOrdered {
		return errors.Errorf("unknown network: %q", c.Network)
	}
	_, err := collcomm.ParseDatatype(c.Datatype)
	return err
}

// RoundedSize rounds size up to a multiple of the number
// of nodes, since the ring splits vectors evenly.
func (r RunInfo) RoundedSize(size int) int {
	return (size + r.NumNodes - 1) / r.NumNodes * r.NumNodes
}
