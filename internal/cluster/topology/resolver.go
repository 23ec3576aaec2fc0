// Package topology derives per-node work from placement tables: which shards
// a node sends, receives or keeps across a table change, and where to reach
// the node that owns them.
package topology

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Partition maps a node id to the shards it is primary for, ascending.
type Partition map[string][]uint32

// Nodes returns the partition's node ids, sorted.
func (p Partition) Nodes() []string {
	out := make([]string, 0, len(p))
	for n := range p {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PartitionByOwner groups shards by their primary node in table. Shards the
// table does not cover are skipped.
func PartitionByOwner(shards []uint32, table *placement.Table) Partition {
	out := make(Partition)
	for _, s := range shards {
		owner := table.Primary(s)
		if owner == "" {
			continue
		}
		out[owner] = append(out[owner], s)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	return out
}

// Diff returns the shards node holds under oldTable but not newTable
// (toSend) and the converse (toReceive). A nil oldTable means node held
// nothing before.
func Diff(oldTable, newTable *placement.Table, node string) (toSend, toReceive []uint32) {
	n := 0
	if oldTable != nil {
		n = oldTable.NumShards()
	}
	if newTable != nil && newTable.NumShards() > n {
		n = newTable.NumShards()
	}
	for s := 0; s < n; s++ {
		shard := uint32(s)
		before := oldTable != nil && oldTable.Contains(shard, node)
		after := newTable != nil && newTable.Contains(shard, node)
		switch {
		case before && !after:
			toSend = append(toSend, shard)
		case after && !before:
			toReceive = append(toReceive, shard)
		}
	}
	return toSend, toReceive
}

// ResolveEndpoint returns the migration address of nodeID.
func ResolveEndpoint(nodeID string, members *cluster.Membership) (string, error) {
	m, ok := members.Get(nodeID)
	if !ok {
		return "", errors.Wrapf(errs.ErrUnknownNode, "node %s", nodeID)
	}
	if m.Addr == "" {
		return "", errors.Wrapf(errs.ErrUnknownNode, "node %s has no endpoint", nodeID)
	}
	return m.Addr, nil
}

// IsCurrentOwner reports whether node holds a replica of shard under table.
func IsCurrentOwner(shard uint32, table *placement.Table, node string) bool {
	if table == nil {
		return false
	}
	return table.Contains(shard, node)
}
