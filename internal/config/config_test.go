package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
)

const sample = `
node-id = "a"
bind = "127.0.0.1:6379"
cluster-bind = "127.0.0.1:17000"
storage = "memory"

[placement]
width = 4
depth = 2
algorithm = "RoundRobin"

[migration]
shards-per-task = 2
request-timeout = "750ms"
max-delta-rounds = 5

[rebalance]
driver = true
max-retries = 5
session-timeout = "1m"
publish-retries = 4

[[seeds]]
id = "a"
cluster-addr = "127.0.0.1:17000"
client-addr = "127.0.0.1:6379"

[[seeds]]
id = "b"
cluster-addr = "127.0.0.1:17001"
capacity = 2
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "a", c.NodeID)
	require.Equal(t, StorageMemory, c.Storage)
	require.Equal(t, uint(4), c.Placement.Width)
	require.Equal(t, 2, c.Placement.Depth)
	require.True(t, c.Rebalance.Driver)

	mc := c.MigrationConfig()
	require.True(t, mc.Enabled)
	require.Equal(t, 2, mc.ShardsPerTask)
	require.Equal(t, 750*time.Millisecond, mc.RequestTimeout)
	require.Equal(t, 5, mc.MaxDeltaRounds)
	// Unset keys keep their defaults.
	require.Equal(t, Default().Migration.MaxConcurrentTasks, mc.MaxConcurrentTasks)
	require.Equal(t, time.Duration(Default().Migration.SessionTimeout), mc.SessionTimeout)

	rc := c.RebalanceConfig()
	require.Equal(t, 5, rc.MaxRetries)
	require.Equal(t, time.Minute, rc.SessionTimeout)
	require.Equal(t, 4, rc.PublishRetries)
	require.Equal(t, time.Duration(Default().Rebalance.PublishBackoff), rc.PublishBackoff)
	require.IsType(t, placement.RoundRobin{}, rc.Algorithm)

	members := c.Members()
	require.Len(t, members, 2)
	require.Equal(t, "127.0.0.1:17001", members[1].Addr)
	require.Equal(t, 2, members[1].Capacity)
	require.Equal(t, cluster.HealthUp, members[1].Health)
	require.Equal(t, "127.0.0.1:6379", members[0].Labels[cluster.LabelClientAddr])

	require.Equal(t, "127.0.0.1:17000", c.RESPConfig().Addr)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte(`node-id = "solo"`))
	require.NoError(t, err)

	d := Default()
	require.Equal(t, d.Bind, c.Bind)
	require.Equal(t, d.Storage, c.Storage)
	require.Equal(t, d.Placement, c.Placement)
	require.Equal(t, d.Rebalance.MaxRetries, c.Rebalance.MaxRetries)
	require.Empty(t, c.Seeds)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"width", "[placement]\nwidth = 17"},
		{"algorithm", "[placement]\nalgorithm = \"random\""},
		{"storage", "storage = \"tape\""},
		{"duration", "[migration]\nrequest-timeout = \"soon\""},
		{"seed without addr", "[[seeds]]\nid = \"a\""},
		{"duplicate seed", "[[seeds]]\nid = \"a\"\ncluster-addr = \"x\"\n[[seeds]]\nid = \"a\"\ncluster-addr = \"y\""},
		{"kubernetes without selector", "[kubernetes]\nenabled = true"},
		{"negative publish retries", "[rebalance]\npublish-retries = -1"},
		{"negative delta rounds", "[migration]\nmax-delta-rounds = -2"},
		{"syntax", "node-id = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestParse_Kubernetes(t *testing.T) {
	c, err := Parse([]byte(`
[kubernetes]
enabled = true
namespace = "cache"
client-port = 7379

[kubernetes.selector]
app = "shards"
`))
	require.NoError(t, err)
	require.True(t, c.Kubernetes.Enabled)

	kc := c.KubeConfig()
	require.Equal(t, "cache", kc.Namespace)
	require.Equal(t, map[string]string{"app": "shards"}, kc.Selector)
	require.Equal(t, 7379, kc.ClientPort)
	require.Equal(t, Default().Kubernetes.ClusterPort, kc.ClusterPort)
	require.Equal(t, 5*time.Second, time.Duration(c.Kubernetes.PollInterval))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
