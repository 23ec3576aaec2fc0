// Package config loads the node configuration file.
package config

import (
	"os"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	"github.com/10yihang/shardmigrate/internal/cluster/kube"
	"github.com/10yihang/shardmigrate/internal/cluster/migration"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/rebalance"
	"github.com/10yihang/shardmigrate/internal/transport"
)

const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Config is the node configuration.
type Config struct {
	NodeID string `toml:"node-id"`
	// Bind is the client-facing RESP address.
	Bind string `toml:"bind"`
	// ClusterBind is the migration transport address.
	ClusterBind string `toml:"cluster-bind"`
	DataDir     string `toml:"data-dir"`
	// Storage is "badger" or "memory".
	Storage     string `toml:"storage"`
	MetricsBind string `toml:"metrics-bind"`
	Verbose     bool   `toml:"verbose"`

	Placement Placement `toml:"placement"`
	Migration Migration `toml:"migration"`
	Rebalance Rebalance `toml:"rebalance"`

	// Kubernetes, when enabled, replaces Seeds with the pods of a workload.
	Kubernetes Kubernetes `toml:"kubernetes"`

	// Seeds is the static membership.
	Seeds []Seed `toml:"seeds"`
}

type Placement struct {
	Width     uint   `toml:"width"`
	Depth     int    `toml:"depth"`
	Algorithm string `toml:"algorithm"`
}

type Migration struct {
	Disabled           bool     `toml:"disabled"`
	ShardsPerTask      int      `toml:"shards-per-task"`
	MaxConcurrentTasks int      `toml:"max-concurrent-tasks"`
	MaxDeltaRounds     int      `toml:"max-delta-rounds"`
	Workers            int      `toml:"workers"`
	RequestTimeout     Duration `toml:"request-timeout"`
	SessionTimeout     Duration `toml:"session-timeout"`
	WatchdogInterval   Duration `toml:"watchdog-interval"`
}

type Rebalance struct {
	// Driver runs the rebalance driver on this node.
	Driver              bool     `toml:"driver"`
	MaxRetries          int      `toml:"max-retries"`
	MaxParallelSessions int      `toml:"max-parallel-sessions"`
	SessionTimeout      Duration `toml:"session-timeout"`
	PublishTimeout      Duration `toml:"publish-timeout"`
	PublishRetries      int      `toml:"publish-retries"`
	PublishBackoff      Duration `toml:"publish-backoff"`
}

type Kubernetes struct {
	Enabled      bool              `toml:"enabled"`
	Namespace    string            `toml:"namespace"`
	Selector     map[string]string `toml:"selector"`
	ClusterPort  int               `toml:"cluster-port"`
	ClientPort   int               `toml:"client-port"`
	PollInterval Duration          `toml:"poll-interval"`
}

type Seed struct {
	ID          string `toml:"id"`
	ClusterAddr string `toml:"cluster-addr"`
	ClientAddr  string `toml:"client-addr"`
	Capacity    int    `toml:"capacity"`
}

// Default returns a single-node configuration.
func Default() *Config {
	mc := migration.DefaultConfig()
	rc := rebalance.DefaultConfig()
	return &Config{
		Bind:        ":6379",
		ClusterBind: transport.DefaultRESPConfig().Addr,
		DataDir:     "./data",
		Storage:     StorageBadger,
		MetricsBind: ":9121",
		Placement: Placement{
			Width:     rc.Width,
			Depth:     rc.Depth,
			Algorithm: "ConsistentHash",
		},
		Migration: Migration{
			ShardsPerTask:      mc.ShardsPerTask,
			MaxConcurrentTasks: mc.MaxConcurrentTasks,
			MaxDeltaRounds:     mc.MaxDeltaRounds,
			Workers:            mc.Workers,
			RequestTimeout:     Duration(mc.RequestTimeout),
			SessionTimeout:     Duration(mc.SessionTimeout),
			WatchdogInterval:   Duration(100 * time.Millisecond),
		},
		Rebalance: Rebalance{
			MaxRetries:          rc.MaxRetries,
			MaxParallelSessions: rc.MaxParallelSessions,
			SessionTimeout:      Duration(rc.SessionTimeout),
			PublishTimeout:      Duration(rc.PublishTimeout),
			PublishRetries:      rc.PublishRetries,
			PublishBackoff:      Duration(rc.PublishBackoff),
		},
		Kubernetes: Kubernetes{
			Namespace:    "default",
			ClusterPort:  17000,
			ClientPort:   6379,
			PollInterval: Duration(5 * time.Second),
		},
	}
}

// Load reads path, fills unset keys from Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes a TOML document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes c as TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(*c)
}

func (c *Config) applyDefaults() {
	d := Default()
	setString(&c.Bind, d.Bind)
	setString(&c.ClusterBind, d.ClusterBind)
	setString(&c.DataDir, d.DataDir)
	setString(&c.Storage, d.Storage)
	setString(&c.MetricsBind, d.MetricsBind)

	if c.Placement.Width == 0 {
		c.Placement.Width = d.Placement.Width
	}
	setInt(&c.Placement.Depth, d.Placement.Depth)
	setString(&c.Placement.Algorithm, d.Placement.Algorithm)

	setInt(&c.Migration.ShardsPerTask, d.Migration.ShardsPerTask)
	setInt(&c.Migration.MaxConcurrentTasks, d.Migration.MaxConcurrentTasks)
	setInt(&c.Migration.MaxDeltaRounds, d.Migration.MaxDeltaRounds)
	setInt(&c.Migration.Workers, d.Migration.Workers)
	setDuration(&c.Migration.RequestTimeout, d.Migration.RequestTimeout)
	setDuration(&c.Migration.SessionTimeout, d.Migration.SessionTimeout)
	setDuration(&c.Migration.WatchdogInterval, d.Migration.WatchdogInterval)

	setInt(&c.Rebalance.MaxRetries, d.Rebalance.MaxRetries)
	setInt(&c.Rebalance.MaxParallelSessions, d.Rebalance.MaxParallelSessions)
	setDuration(&c.Rebalance.SessionTimeout, d.Rebalance.SessionTimeout)
	setDuration(&c.Rebalance.PublishTimeout, d.Rebalance.PublishTimeout)
	setInt(&c.Rebalance.PublishRetries, d.Rebalance.PublishRetries)
	setDuration(&c.Rebalance.PublishBackoff, d.Rebalance.PublishBackoff)

	setString(&c.Kubernetes.Namespace, d.Kubernetes.Namespace)
	setInt(&c.Kubernetes.ClusterPort, d.Kubernetes.ClusterPort)
	setInt(&c.Kubernetes.ClientPort, d.Kubernetes.ClientPort)
	setDuration(&c.Kubernetes.PollInterval, d.Kubernetes.PollInterval)
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setDuration(v *Duration, d Duration) {
	if *v == 0 {
		*v = d
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Placement.Width > hash.MaxWidth {
		return errors.Errorf("placement.width %d exceeds %d", c.Placement.Width, hash.MaxWidth)
	}
	if c.Placement.Depth < 1 {
		return errors.Errorf("placement.depth must be positive, got %d", c.Placement.Depth)
	}
	if _, ok := placement.ParseAlgorithm(c.Placement.Algorithm); !ok {
		return errors.Errorf("unknown placement.algorithm %q", c.Placement.Algorithm)
	}
	if c.Storage != StorageBadger && c.Storage != StorageMemory {
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Rebalance.MaxRetries < 0 {
		return errors.Errorf("rebalance.max-retries must not be negative, got %d", c.Rebalance.MaxRetries)
	}
	if c.Rebalance.PublishRetries < 0 {
		return errors.Errorf("rebalance.publish-retries must not be negative, got %d", c.Rebalance.PublishRetries)
	}
	if c.Migration.MaxDeltaRounds < 0 {
		return errors.Errorf("migration.max-delta-rounds must not be negative, got %d", c.Migration.MaxDeltaRounds)
	}
	if c.Kubernetes.Enabled && len(c.Kubernetes.Selector) == 0 {
		return errors.New("kubernetes.selector must not be empty")
	}
	seen := make(map[string]bool, len(c.Seeds))
	for _, s := range c.Seeds {
		if s.ID == "" || s.ClusterAddr == "" {
			return errors.New("seeds need an id and a cluster-addr")
		}
		if seen[s.ID] {
			return errors.Errorf("duplicate seed %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// MigrationConfig returns the migration settings.
func (c *Config) MigrationConfig() *migration.Config {
	return &migration.Config{
		Enabled:            !c.Migration.Disabled,
		ShardsPerTask:      c.Migration.ShardsPerTask,
		MaxConcurrentTasks: c.Migration.MaxConcurrentTasks,
		MaxDeltaRounds:     c.Migration.MaxDeltaRounds,
		RequestTimeout:     time.Duration(c.Migration.RequestTimeout),
		SessionTimeout:     time.Duration(c.Migration.SessionTimeout),
		Workers:            c.Migration.Workers,
	}
}

// RebalanceConfig returns the driver settings.
func (c *Config) RebalanceConfig() *rebalance.Config {
	algo, _ := placement.ParseAlgorithm(c.Placement.Algorithm)
	return &rebalance.Config{
		Width:               c.Placement.Width,
		Depth:               c.Placement.Depth,
		Algorithm:           algo,
		MaxRetries:          c.Rebalance.MaxRetries,
		SessionTimeout:      time.Duration(c.Rebalance.SessionTimeout),
		PublishTimeout:      time.Duration(c.Rebalance.PublishTimeout),
		PublishRetries:      c.Rebalance.PublishRetries,
		PublishBackoff:      time.Duration(c.Rebalance.PublishBackoff),
		MaxParallelSessions: c.Rebalance.MaxParallelSessions,
	}
}

// RESPConfig returns the cluster bus settings.
func (c *Config) RESPConfig() transport.RESPConfig {
	rc := transport.DefaultRESPConfig()
	rc.Addr = c.ClusterBind
	return rc
}

// KubeConfig returns the pod source settings.
func (c *Config) KubeConfig() kube.Config {
	return kube.Config{
		Namespace:   c.Kubernetes.Namespace,
		Selector:    c.Kubernetes.Selector,
		ClusterPort: c.Kubernetes.ClusterPort,
		ClientPort:  c.Kubernetes.ClientPort,
	}
}

// Members returns the seed list as UP members.
func (c *Config) Members() []cluster.Member {
	out := make([]cluster.Member, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		m := cluster.Member{ID: s.ID, Addr: s.ClusterAddr, Capacity: s.Capacity, Health: cluster.HealthUp}
		if s.ClientAddr != "" {
			m.Labels = map[string]string{cluster.LabelClientAddr: s.ClientAddr}
		}
		out = append(out, m)
	}
	return out
}
