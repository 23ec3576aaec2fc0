package state

import (
	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
)

// CurrentStateVersion is the schema version for persistent state
const CurrentStateVersion = 2

// PersistentState is the JSON-serializable coordinator state. Current is the
// authoritative table, Previous the one it replaced while sessions still
// reference it, and Next a candidate table under migration.
type PersistentState struct {
	Version           int                    `json:"version"`
	NodeID            string                 `json:"node_id"`
	MembershipVersion uint64                 `json:"membership_version"`
	Members           []MemberInfo           `json:"members"`
	Current           *placement.TableData   `json:"current,omitempty"`
	Previous          *placement.TableData   `json:"previous,omitempty"`
	Next              *placement.TableData   `json:"next,omitempty"`
	Sessions          map[string]SessionInfo `json:"sessions,omitempty"`
}

// MemberInfo stores persistent member metadata
type MemberInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Capacity int    `json:"capacity,omitempty"`
	Health   string `json:"health"`
}

// SessionInfo records a migration session that was running when state was saved.
type SessionInfo struct {
	Source     string   `json:"source"`
	Dest       string   `json:"dest"`
	OldVersion uint64   `json:"old_version"`
	NewVersion uint64   `json:"new_version"`
	Shards     []uint32 `json:"shards"`
	State      string   `json:"state"`
}

// MemberInfos converts a membership snapshot for persistence.
func MemberInfos(m *cluster.Membership) []MemberInfo {
	members := m.Members()
	out := make([]MemberInfo, len(members))
	for i, mem := range members {
		out[i] = MemberInfo{
			ID:       mem.ID,
			Addr:     mem.Addr,
			Capacity: mem.Capacity,
			Health:   mem.Health.String(),
		}
	}
	return out
}

// Membership rebuilds the persisted membership snapshot.
func (s *PersistentState) Membership() *cluster.Membership {
	members := make([]cluster.Member, len(s.Members))
	for i, mi := range s.Members {
		members[i] = cluster.Member{
			ID:       mi.ID,
			Addr:     mi.Addr,
			Capacity: mi.Capacity,
			Health:   cluster.ParseHealth(mi.Health),
		}
	}
	return cluster.NewMembership(s.MembershipVersion, members)
}

// TableData returns the serializable form of t, or nil.
func TableData(t *placement.Table) *placement.TableData {
	if t == nil {
		return nil
	}
	d := t.Data()
	return &d
}

// Table rebuilds a persisted table; a nil input yields a nil table.
func Table(d *placement.TableData) (*placement.Table, error) {
	if d == nil {
		return nil, nil
	}
	return placement.FromData(*d)
}
