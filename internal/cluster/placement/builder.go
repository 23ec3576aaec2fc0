package placement

import (
	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Algorithm assigns one shard to an ordered list of depth distinct members.
// members holds only UP members, sorted by id, and len(members) >= depth.
type Algorithm interface {
	Name() string
	Assign(shard uint32, members []cluster.Member, depth int) []string
}

// Rebalancer is implemented by algorithms that derive a new layout from the
// previous table instead of recomputing every shard from scratch.
type Rebalancer interface {
	Rebalance(prev *Table, members []cluster.Member, depth int) [][]string
}

type buildOptions struct {
	prev    *Table
	version uint64
}

type Option func(*buildOptions)

// WithPrevious bases the new table's version (and, for a Rebalancer, its
// layout) on prev.
func WithPrevious(prev *Table) Option {
	return func(o *buildOptions) { o.prev = prev }
}

// WithVersion forces the version of the new table.
func WithVersion(v uint64) Option {
	return func(o *buildOptions) { o.version = v }
}

// Build computes a placement table for the UP members. It has no side
// effects; publishing the result is up to the caller.
func Build(members []cluster.Member, width uint, depth int, algo Algorithm, opts ...Option) (*Table, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if width > hash.MaxWidth {
		return nil, errors.Wrapf(errs.ErrInvalidWidth, "width %d exceeds %d", width, hash.MaxWidth)
	}
	if depth < 1 {
		return nil, errors.Errorf("replica depth must be positive, got %d", depth)
	}
	if algo == nil {
		algo = &ConsistentHash{}
	}

	up := upMembers(members)
	if len(up) < depth {
		return nil, errors.Wrapf(errs.ErrInsufficientNodes, "%d up members, depth %d", len(up), depth)
	}

	version := uint64(1)
	if o.prev != nil {
		version = o.prev.Version() + 1
	}
	if o.version != InvalidVersion {
		if o.prev != nil && o.version <= o.prev.Version() {
			return nil, errors.Wrapf(errs.ErrStaleVersion, "version %d, previous %d", o.version, o.prev.Version())
		}
		version = o.version
	}

	var shards [][]string
	if r, ok := algo.(Rebalancer); ok && o.prev != nil && o.prev.Width() == width && o.prev.Depth() == depth {
		shards = r.Rebalance(o.prev, up, depth)
	} else {
		shards = make([][]string, hash.TokenCount(width))
		for s := range shards {
			shards[s] = algo.Assign(uint32(s), up, depth)
		}
	}

	upSet := make(map[string]struct{}, len(up))
	for _, m := range up {
		upSet[m.ID] = struct{}{}
	}
	for s, nodes := range shards {
		if err := checkShard(nodes, depth, upSet); err != nil {
			return nil, errors.Wrapf(err, "%s: shard %d", algo.Name(), s)
		}
	}

	return &Table{
		version:   version,
		width:     width,
		depth:     depth,
		algorithm: algo.Name(),
		shards:    shards,
	}, nil
}

func upMembers(members []cluster.Member) []cluster.Member {
	return cluster.NewMembership(0, members).Up()
}

func checkShard(nodes []string, depth int, up map[string]struct{}) error {
	if len(nodes) != depth {
		return errors.Errorf("assigned %d nodes, want %d", len(nodes), depth)
	}
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := up[n]; !ok {
			return errors.Errorf("node %q is not up", n)
		}
		if _, dup := seen[n]; dup {
			return errors.Errorf("node %q assigned twice", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// ParseAlgorithm maps a configured algorithm name to an Algorithm. Unknown or
// empty names fall back to consistent hashing.
func ParseAlgorithm(name string) (Algorithm, bool) {
	switch name {
	case "RoundRobin", "roundrobin", "round-robin":
		return RoundRobin{}, true
	case "ConsistHash", "ConsistentHash", "consistent-hash", "consistenthash":
		return &ConsistentHash{}, true
	default:
		return &ConsistentHash{}, false
	}
}
