package topology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

func upMembers(ids ...string) []cluster.Member {
	out := make([]cluster.Member, len(ids))
	for i, id := range ids {
		out[i] = cluster.Member{ID: id, Addr: "10.0.0." + id + ":7000", Health: cluster.HealthUp}
	}
	return out
}

func mustBuild(t *testing.T, mem []cluster.Member, opts ...placement.Option) *placement.Table {
	t.Helper()
	tbl, err := placement.Build(mem, 2, 2, placement.RoundRobin{}, opts...)
	require.NoError(t, err)
	return tbl
}

func TestPartitionByOwner(t *testing.T) {
	tbl := mustBuild(t, upMembers("a", "b", "c"))

	p := PartitionByOwner([]uint32{3, 0, 1, 2, 42}, tbl)
	require.Equal(t, Partition{
		"a": {0, 3},
		"b": {1},
		"c": {2},
	}, p)
	require.Equal(t, []string{"a", "b", "c"}, p.Nodes())
}

func TestDiff_SameTableIsEmpty(t *testing.T) {
	tbl := mustBuild(t, upMembers("a", "b", "c"))
	for _, n := range []string{"a", "b", "c", "unknown"} {
		send, recv := Diff(tbl, tbl, n)
		require.Empty(t, send, n)
		require.Empty(t, recv, n)
	}
}

func TestDiff_Join(t *testing.T) {
	old := mustBuild(t, upMembers("a", "b"))
	next := mustBuild(t, upMembers("a", "b", "c"), placement.WithPrevious(old))

	send, recv := Diff(old, next, "c")
	require.Empty(t, send)
	require.Equal(t, []uint32{2, 3}, recv)

	send, recv = Diff(old, next, "a")
	require.Equal(t, []uint32{3}, send)
	require.Empty(t, recv)

	send, recv = Diff(old, next, "b")
	require.Equal(t, []uint32{2}, send)
	require.Empty(t, recv)

	_, recv = Diff(nil, next, "c")
	require.Equal(t, next.ShardsOf("c"), recv)
}

func TestResolveEndpoint(t *testing.T) {
	mem := upMembers("a", "b")
	mem = append(mem, cluster.Member{ID: "noaddr", Health: cluster.HealthUp})
	snap := cluster.NewMembership(1, mem)

	addr, err := ResolveEndpoint("b", snap)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.b:7000", addr)

	_, err = ResolveEndpoint("z", snap)
	require.True(t, errors.Is(err, errs.ErrUnknownNode), "got %v", err)

	_, err = ResolveEndpoint("noaddr", snap)
	require.True(t, errors.Is(err, errs.ErrUnknownNode), "got %v", err)
}

func TestIsCurrentOwner(t *testing.T) {
	tbl := mustBuild(t, upMembers("a", "b", "c"))
	require.True(t, IsCurrentOwner(1, tbl, "b"))
	require.True(t, IsCurrentOwner(1, tbl, "c"))
	require.False(t, IsCurrentOwner(1, tbl, "a"))
	require.False(t, IsCurrentOwner(1, nil, "a"))
}

func TestBuildPlan_Join(t *testing.T) {
	mem := upMembers("a", "b", "c")
	old := mustBuild(t, mem[:2])
	next := mustBuild(t, mem, placement.WithPrevious(old))

	plan := BuildPlan(old, next, cluster.NewMembership(2, mem))
	require.Empty(t, plan.Orphans)
	require.Equal(t, []Transfer{
		{Source: "a", Dest: "c", Shards: []uint32{3}},
		{Source: "b", Dest: "c", Shards: []uint32{2}},
	}, plan.Transfers)
	require.Equal(t, 2, plan.Moved())
}

func TestBuildPlan_SameTable(t *testing.T) {
	mem := upMembers("a", "b", "c")
	tbl := mustBuild(t, mem)
	plan := BuildPlan(tbl, tbl, cluster.NewMembership(1, mem))
	require.True(t, plan.Empty())
}

func TestBuildPlan_PrefersUpHolderAndReportsOrphans(t *testing.T) {
	mem := upMembers("a", "b", "c", "d")
	old, err := placement.Build(mem[:2], 1, 2, placement.RoundRobin{})
	require.NoError(t, err)

	// a and b both go down; c and d take over with no live source.
	mem[0].Health = cluster.HealthDown
	mem[1].Health = cluster.HealthDown
	next, err := placement.Build(mem, 1, 2, placement.RoundRobin{}, placement.WithPrevious(old))
	require.NoError(t, err)

	plan := BuildPlan(old, next, cluster.NewMembership(2, mem))
	require.Empty(t, plan.Transfers)
	require.Equal(t, []uint32{0, 1}, plan.Orphans)

	// Only a is down: b serves as source even though b keeps no replica.
	mem[1].Health = cluster.HealthUp
	plan = BuildPlan(old, next, cluster.NewMembership(3, mem))
	require.Empty(t, plan.Orphans)
	for _, tr := range plan.Transfers {
		require.Equal(t, "b", tr.Source)
	}
}
