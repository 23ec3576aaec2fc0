// Package placement builds versioned shard placement tables.
//
// A Table maps every token (shard) of a 2^width token space to an ordered
// list of depth node ids, primary first. Tables are immutable once built; a
// topology change produces a new Table with a higher version which is swapped
// in through a Holder.
package placement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// InvalidVersion is never assigned to a built table.
const InvalidVersion uint64 = 0

type Table struct {
	version   uint64
	width     uint
	depth     int
	algorithm string
	shards    [][]string
}

// TableData is the serializable form of a Table.
type TableData struct {
	Version   uint64     `json:"version"`
	Width     uint       `json:"width"`
	Depth     int        `json:"depth"`
	Algorithm string     `json:"algorithm,omitempty"`
	Shards    [][]string `json:"shards"`
}

func (t *Table) Version() uint64 { return t.version }

func (t *Table) Width() uint { return t.width }

func (t *Table) Depth() int { return t.depth }

func (t *Table) Algorithm() string { return t.algorithm }

func (t *Table) NumShards() int { return len(t.shards) }

// Nodes returns a copy of the node list for shard, primary first, or nil if
// the shard is out of range.
func (t *Table) Nodes(shard uint32) []string {
	if int(shard) >= len(t.shards) {
		return nil
	}
	out := make([]string, len(t.shards[shard]))
	copy(out, t.shards[shard])
	return out
}

// Primary returns the first node of shard, or "".
func (t *Table) Primary(shard uint32) string {
	if int(shard) >= len(t.shards) || len(t.shards[shard]) == 0 {
		return ""
	}
	return t.shards[shard][0]
}

// Index returns the position of node in the shard's list, or -1.
func (t *Table) Index(shard uint32, node string) int {
	if int(shard) >= len(t.shards) {
		return -1
	}
	for i, n := range t.shards[shard] {
		if n == node {
			return i
		}
	}
	return -1
}

// Contains reports whether node holds any replica of shard.
func (t *Table) Contains(shard uint32, node string) bool {
	return t.Index(shard, node) >= 0
}

// ShardsOf returns every shard node holds a replica of, ascending.
func (t *Table) ShardsOf(node string) []uint32 {
	var out []uint32
	for s, nodes := range t.shards {
		for _, n := range nodes {
			if n == node {
				out = append(out, uint32(s))
				break
			}
		}
	}
	return out
}

// Load returns the number of replicas placed on node.
func (t *Table) Load(node string) int {
	return len(t.ShardsOf(node))
}

// NodeIDs returns the distinct nodes referenced by the table, sorted.
func (t *Table) NodeIDs() []string {
	seen := make(map[string]struct{})
	for _, nodes := range t.shards {
		for _, n := range nodes {
			seen[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SameLayout reports whether both tables place every shard identically,
// ignoring the version.
func (t *Table) SameLayout(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.width != o.width || t.depth != o.depth || len(t.shards) != len(o.shards) {
		return false
	}
	for s := range t.shards {
		if len(t.shards[s]) != len(o.shards[s]) {
			return false
		}
		for i := range t.shards[s] {
			if t.shards[s][i] != o.shards[s][i] {
				return false
			}
		}
	}
	return true
}

func (t *Table) Data() TableData {
	shards := make([][]string, len(t.shards))
	for i := range t.shards {
		shards[i] = t.Nodes(uint32(i))
	}
	return TableData{
		Version:   t.version,
		Width:     t.width,
		Depth:     t.depth,
		Algorithm: t.algorithm,
		Shards:    shards,
	}
}

// FromData rebuilds and validates a Table.
func FromData(d TableData) (*Table, error) {
	if d.Width > hash.MaxWidth {
		return nil, errors.Wrapf(errs.ErrInvalidWidth, "width %d", d.Width)
	}
	if d.Version == InvalidVersion {
		return nil, errors.New("table version must be positive")
	}
	if len(d.Shards) != hash.TokenCount(d.Width) {
		return nil, errors.Errorf("table has %d shards, width %d needs %d", len(d.Shards), d.Width, hash.TokenCount(d.Width))
	}
	shards := make([][]string, len(d.Shards))
	for i, nodes := range d.Shards {
		if len(nodes) != d.Depth {
			return nil, errors.Errorf("shard %d has %d nodes, depth is %d", i, len(nodes), d.Depth)
		}
		shards[i] = append([]string(nil), nodes...)
	}
	return &Table{
		version:   d.Version,
		width:     d.Width,
		depth:     d.Depth,
		algorithm: d.Algorithm,
		shards:    shards,
	}, nil
}

func (t *Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table v%d width=%d depth=%d", t.version, t.width, t.depth)
	for s, nodes := range t.shards {
		fmt.Fprintf(&b, "\n  %d: %s", s, strings.Join(nodes, ","))
	}
	return b.String()
}
