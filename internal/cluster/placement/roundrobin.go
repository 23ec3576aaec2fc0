package placement

import (
	"github.com/10yihang/shardmigrate/internal/cluster"
)

// RoundRobin places shard s on members s, s+1, ..., s+depth-1 (mod n) of the
// id-sorted UP members. Given a previous table of the same shape it keeps the
// surviving assignments and only moves what balance requires.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "RoundRobin" }

func (RoundRobin) Assign(shard uint32, members []cluster.Member, depth int) []string {
	n := len(members)
	out := make([]string, depth)
	for k := 0; k < depth; k++ {
		out[k] = members[(int(shard)+k)%n].ID
	}
	return out
}

// Rebalance moves the minimum number of replicas so that every member ends
// up with floor(S*d/n) or ceil(S*d/n) of them. Positions inside a shard's
// list are preserved, so a surviving primary stays primary.
func (RoundRobin) Rebalance(prev *Table, members []cluster.Member, depth int) [][]string {
	n := len(members)
	numShards := prev.NumShards()

	ids := make([]string, n)
	up := make(map[string]bool, n)
	load := make(map[string]int, n)
	for i, m := range members {
		ids[i] = m.ID
		up[m.ID] = true
	}

	shards := make([][]string, numShards)
	for s := range shards {
		nodes := prev.Nodes(uint32(s))
		for i, id := range nodes {
			if up[id] {
				load[id]++
			} else {
				nodes[i] = ""
			}
		}
		shards[s] = nodes
	}

	total := numShards * depth
	floor := total / n
	ceil := floor
	if total%n != 0 {
		ceil++
	}

	// Shed replicas from overloaded members, spreading the holes across shards.
	for _, id := range ids {
		for load[id] > ceil {
			s, i := sheddable(shards, id)
			if s < 0 {
				break
			}
			shards[s][i] = ""
			load[id]--
		}
	}

	// Fill holes with the least loaded member not already in the shard.
	for s, nodes := range shards {
		for i := range nodes {
			if nodes[i] != "" {
				continue
			}
			best := ""
			for k := 0; k < n; k++ {
				cand := ids[(s+i+k)%n]
				if contains(nodes, cand) {
					continue
				}
				if best == "" || load[cand] < load[best] {
					best = cand
				}
			}
			nodes[i] = best
			load[best]++
		}
	}

	// Raise underloaded members by taking replicas from members above floor.
	for _, id := range ids {
		for load[id] < floor {
			if !steal(shards, id, floor, load) {
				break
			}
		}
	}
	return shards
}

// sheddable picks the highest shard holding id that has no hole yet, falling
// back to any shard holding id.
func sheddable(shards [][]string, id string) (int, int) {
	fallback, fallbackIdx := -1, -1
	for s := len(shards) - 1; s >= 0; s-- {
		i := indexOf(shards[s], id)
		if i < 0 {
			continue
		}
		if !contains(shards[s], "") {
			return s, i
		}
		if fallback < 0 {
			fallback, fallbackIdx = s, i
		}
	}
	return fallback, fallbackIdx
}

func steal(shards [][]string, id string, floor int, load map[string]int) bool {
	for _, nodes := range shards {
		if contains(nodes, id) {
			continue
		}
		for i, donor := range nodes {
			if load[donor] > floor {
				nodes[i] = id
				load[donor]--
				load[id]++
				return true
			}
		}
	}
	return false
}

func indexOf(nodes []string, id string) int {
	for i, n := range nodes {
		if n == id {
			return i
		}
	}
	return -1
}

func contains(nodes []string, id string) bool {
	return indexOf(nodes, id) >= 0
}
