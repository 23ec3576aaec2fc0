package topology

import (
	"sort"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
)

// Transfer is the set of shards one source node copies to one destination.
type Transfer struct {
	Source string
	Dest   string
	Shards []uint32
}

// Plan is the work needed to move from one table to the next.
type Plan struct {
	Transfers []Transfer
	// Orphans are shards gained by some node with no UP node holding them
	// under the old table.
	Orphans []uint32
}

// Moved reports the number of distinct shards that appear in any transfer.
func (p *Plan) Moved() int {
	seen := make(map[uint32]struct{})
	for _, tr := range p.Transfers {
		for _, s := range tr.Shards {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Empty reports whether the plan moves nothing.
func (p *Plan) Empty() bool {
	return len(p.Transfers) == 0 && len(p.Orphans) == 0
}

// BuildPlan groups every shard a node gains under newTable into transfers
// from a node that held it under oldTable. For each shard it prefers an old
// holder that is losing the shard, then the first UP old holder in table
// order.
func BuildPlan(oldTable, newTable *placement.Table, members *cluster.Membership) *Plan {
	plan := &Plan{}
	if newTable == nil {
		return plan
	}

	up := func(id string) bool {
		m, ok := members.Get(id)
		return ok && m.IsUp()
	}

	type pair struct{ src, dst string }
	groups := make(map[pair][]uint32)
	orphaned := make(map[uint32]struct{})

	for s := 0; s < newTable.NumShards(); s++ {
		shard := uint32(s)
		var before []string
		if oldTable != nil {
			before = oldTable.Nodes(shard)
		}
		for _, dst := range newTable.Nodes(shard) {
			if containsNode(before, dst) {
				continue
			}
			src := pickSource(before, newTable, shard, up)
			if src == "" {
				orphaned[shard] = struct{}{}
				continue
			}
			k := pair{src, dst}
			groups[k] = append(groups[k], shard)
		}
	}

	for k, shards := range groups {
		plan.Transfers = append(plan.Transfers, Transfer{Source: k.src, Dest: k.dst, Shards: shards})
	}
	sort.Slice(plan.Transfers, func(i, j int) bool {
		a, b := plan.Transfers[i], plan.Transfers[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Dest < b.Dest
	})
	for s := range orphaned {
		plan.Orphans = append(plan.Orphans, s)
	}
	sort.Slice(plan.Orphans, func(i, j int) bool { return plan.Orphans[i] < plan.Orphans[j] })
	return plan
}

func pickSource(before []string, newTable *placement.Table, shard uint32, up func(string) bool) string {
	for _, n := range before {
		if up(n) && !newTable.Contains(shard, n) {
			return n
		}
	}
	for _, n := range before {
		if up(n) {
			return n
		}
	}
	return ""
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
