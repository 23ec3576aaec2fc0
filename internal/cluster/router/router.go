// Package router provides routing logic for cluster key distribution.
package router

import (
	"context"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
)

// Router determines where a key should be handled.
type Router interface {
	Route(ctx context.Context, key []byte, version uint64, write, asking bool) RouteResult
	RouteMulti(ctx context.Context, keys [][]byte, version uint64, write bool) RouteResult
	ShouldForwardIO(shard uint32, version uint64) (bool, string)
}

// Migrations is the view of running migrations the router consults.
type Migrations interface {
	ShouldForwardIO(shard uint32, version uint64) (bool, string)
	// AdmitWrite admits a write served locally.
	AdmitWrite(shard uint32, version uint64) WriteTicket
	Importing(shard uint32) bool
}

// WriteTicket is held by an admitted write while it is applied locally.
type WriteTicket interface {
	// Replicate copies the write of key to every destination that already
	// holds a verified copy of the shard. A nil value with deleted set
	// replicates a delete. The write must not be acknowledged if it fails.
	Replicate(ctx context.Context, key string, value []byte, deleted bool) error
	// Release ends the write. It must be called exactly once.
	Release()
}

// RouteResult contains routing decision.
type RouteResult struct {
	Local      bool
	Redirect   *Redirect
	CrossShard bool
	Shard      uint32
	// Write is set for local writes admitted through the migrations.
	Write WriteTicket
}

// Redirect contains redirection details for MOVED/ASK responses.
type Redirect struct {
	Type  RedirectType
	Shard uint32
	Node  string
	Addr  string
}

// RedirectType indicates redirect reason.
type RedirectType int

const (
	RedirectMoved RedirectType = iota
	RedirectAsk
)

func (t RedirectType) String() string {
	if t == RedirectAsk {
		return "ASK"
	}
	return "MOVED"
}

// ClusterRouter implements Router using the membership snapshot, the
// authoritative placement table and the running migrations.
type ClusterRouter struct {
	cluster    *cluster.Cluster
	holder     *placement.Holder
	migrations Migrations
}

// NewClusterRouter creates a router backed by cluster state. migrations may
// be nil on nodes that never migrate.
func NewClusterRouter(c *cluster.Cluster, holder *placement.Holder, migrations Migrations) *ClusterRouter {
	return &ClusterRouter{cluster: c, holder: holder, migrations: migrations}
}

// Route determines routing for a single key. version is the table version
// the client routed with; zero means the current one. asking indicates the
// client followed an ASK redirect, which lets a node serve reads for a
// shard it is importing. Writes for an owned shard are always served locally
// and carry a WriteTicket when migrations are wired.
func (r *ClusterRouter) Route(ctx context.Context, key []byte, version uint64, write, asking bool) RouteResult {
	if r.cluster == nil || r.holder == nil {
		return RouteResult{Local: true}
	}
	table := r.holder.Current()
	if table == nil {
		return RouteResult{Local: true}
	}
	if version == placement.InvalidVersion {
		version = table.Version()
	}

	shard := hash.KeyTokenBytes(key, table.Width())
	self := r.cluster.NodeID()

	if table.Contains(shard, self) {
		// Writes stay on the source until the table is published.
		if write {
			return RouteResult{Local: true, Shard: shard, Write: r.admitWrite(shard, version)}
		}
		if forward, dest := r.ShouldForwardIO(shard, version); forward {
			return RouteResult{
				Redirect: &Redirect{Type: RedirectAsk, Shard: shard, Node: dest, Addr: r.nodeAddr(dest)},
				Shard:    shard,
			}
		}
		return RouteResult{Local: true, Shard: shard}
	}

	if asking && !write && r.migrations != nil && r.migrations.Importing(shard) {
		return RouteResult{Local: true, Shard: shard}
	}

	owner := table.Primary(shard)
	if owner == "" {
		return RouteResult{Local: true, Shard: shard}
	}
	return RouteResult{
		Redirect: &Redirect{Type: RedirectMoved, Shard: shard, Node: owner, Addr: r.nodeAddr(owner)},
		Shard:    shard,
	}
}

// RouteMulti determines routing for multiple keys, checking for cross-shard access.
func (r *ClusterRouter) RouteMulti(ctx context.Context, keys [][]byte, version uint64, write bool) RouteResult {
	if len(keys) == 0 {
		return RouteResult{Local: true}
	}
	if r.cluster == nil || r.holder == nil || r.holder.Current() == nil {
		return RouteResult{Local: true}
	}

	width := r.holder.Current().Width()
	first := hash.KeyTokenBytes(keys[0], width)
	for i := 1; i < len(keys); i++ {
		if hash.KeyTokenBytes(keys[i], width) != first {
			return RouteResult{CrossShard: true, Shard: first}
		}
	}

	return r.Route(ctx, keys[0], version, write, false)
}

// ShouldForwardIO reports whether a request for shard must be served by
// another node because a migration already handed the shard over.
func (r *ClusterRouter) ShouldForwardIO(shard uint32, version uint64) (bool, string) {
	if r.migrations == nil {
		return false, ""
	}
	return r.migrations.ShouldForwardIO(shard, version)
}

func (r *ClusterRouter) admitWrite(shard uint32, version uint64) WriteTicket {
	if r.migrations == nil {
		return nil
	}
	return r.migrations.AdmitWrite(shard, version)
}

func (r *ClusterRouter) nodeAddr(nodeID string) string {
	if m, ok := r.cluster.Membership().Get(nodeID); ok {
		if addr := m.Labels[cluster.LabelClientAddr]; addr != "" {
			return addr
		}
		return m.Addr
	}
	return ""
}
