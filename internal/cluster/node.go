package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
)

type Health int

const (
	HealthUnknown Health = iota
	HealthUp
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParseHealth maps "up"/"down" to a Health; anything else is unknown.
func ParseHealth(s string) Health {
	switch s {
	case "up", "UP":
		return HealthUp
	case "down", "DOWN":
		return HealthDown
	default:
		return HealthUnknown
	}
}

// LabelClientAddr names the label holding a member's client-facing address
// when it differs from Addr, the migration endpoint.
const LabelClientAddr = "client-addr"

// Member is one node as seen by the membership feed.
type Member struct {
	ID       string
	Addr     string
	Capacity int
	Health   Health
	Labels   map[string]string
}

// Weight is the member's capacity, never below 1.
func (m Member) Weight() int {
	if m.Capacity < 1 {
		return 1
	}
	return m.Capacity
}

func (m Member) IsUp() bool {
	return m.Health == HealthUp
}

func (m Member) Clone() Member {
	labels := make(map[string]string, len(m.Labels))
	for k, v := range m.Labels {
		labels[k] = v
	}
	m.Labels = labels
	return m
}

// Membership is an immutable snapshot of the cluster members. The core holds
// one snapshot per rebalance cycle.
type Membership struct {
	version uint64
	members []Member
	byID    map[string]int
}

// NewMembership copies members into a snapshot sorted by node id. Later
// entries win on duplicate ids.
func NewMembership(version uint64, members []Member) *Membership {
	byID := make(map[string]int, len(members))
	list := make([]Member, 0, len(members))
	for _, m := range members {
		if i, ok := byID[m.ID]; ok {
			list[i] = m.Clone()
			continue
		}
		byID[m.ID] = len(list)
		list = append(list, m.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	for i, m := range list {
		byID[m.ID] = i
	}
	return &Membership{version: version, members: list, byID: byID}
}

func (m *Membership) Version() uint64 {
	if m == nil {
		return 0
	}
	return m.version
}

// Members returns all members sorted by id.
func (m *Membership) Members() []Member {
	if m == nil {
		return nil
	}
	out := make([]Member, len(m.members))
	for i, mem := range m.members {
		out[i] = mem.Clone()
	}
	return out
}

// Up returns the UP members sorted by id.
func (m *Membership) Up() []Member {
	if m == nil {
		return nil
	}
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		if mem.IsUp() {
			out = append(out, mem.Clone())
		}
	}
	return out
}

func (m *Membership) Get(id string) (Member, bool) {
	if m == nil {
		return Member{}, false
	}
	i, ok := m.byID[id]
	if !ok {
		return Member{}, false
	}
	return m.members[i].Clone(), true
}

func (m *Membership) Len() int {
	if m == nil {
		return 0
	}
	return len(m.members)
}

// With returns a new snapshot with member added or replaced and the version bumped.
func (m *Membership) With(member Member) *Membership {
	members := m.Members()
	return NewMembership(m.Version()+1, append(members, member))
}

// Without returns a new snapshot without the given node and the version bumped.
func (m *Membership) Without(id string) *Membership {
	members := m.Members()
	out := members[:0]
	for _, mem := range members {
		if mem.ID != id {
			out = append(out, mem)
		}
	}
	return NewMembership(m.Version()+1, out)
}

func generateNodeID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}
