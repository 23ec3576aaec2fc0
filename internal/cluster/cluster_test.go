package cluster

import (
	"sync"
	"testing"
)

func TestMembership_SortedAndFiltered(t *testing.T) {
	m := NewMembership(3, []Member{
		{ID: "c", Addr: "10.0.0.3:7000", Health: HealthUp},
		{ID: "a", Addr: "10.0.0.1:7000", Health: HealthUp},
		{ID: "b", Addr: "10.0.0.2:7000", Health: HealthDown},
		{ID: "d", Addr: "10.0.0.4:7000"},
	})

	if m.Version() != 3 {
		t.Errorf("expected version 3, got %d", m.Version())
	}
	all := m.Members()
	if len(all) != 4 || all[0].ID != "a" || all[3].ID != "d" {
		t.Errorf("members not sorted: %+v", all)
	}
	up := m.Up()
	if len(up) != 2 || up[0].ID != "a" || up[1].ID != "c" {
		t.Errorf("unexpected up members: %+v", up)
	}
	if mem, ok := m.Get("b"); !ok || mem.Health != HealthDown {
		t.Errorf("Get(b) = %+v, %v", mem, ok)
	}
	if _, ok := m.Get("zz"); ok {
		t.Error("Get on unknown id should fail")
	}
}

func TestMembership_Immutable(t *testing.T) {
	labels := map[string]string{"rack": "r1"}
	m := NewMembership(1, []Member{{ID: "a", Health: HealthUp, Labels: labels}})
	labels["rack"] = "r2"

	got, _ := m.Get("a")
	if got.Labels["rack"] != "r1" {
		t.Errorf("snapshot aliased caller map: %v", got.Labels)
	}
	got.Labels["rack"] = "r3"
	again, _ := m.Get("a")
	if again.Labels["rack"] != "r1" {
		t.Errorf("snapshot aliased returned map: %v", again.Labels)
	}
}

func TestMembership_WithWithout(t *testing.T) {
	m := NewMembership(1, []Member{{ID: "a", Health: HealthUp}, {ID: "b", Health: HealthUp}})

	grown := m.With(Member{ID: "c", Health: HealthUp})
	if grown.Version() != 2 || grown.Len() != 3 {
		t.Errorf("With: version %d len %d", grown.Version(), grown.Len())
	}
	if m.Len() != 2 {
		t.Error("With mutated the original snapshot")
	}

	shrunk := grown.Without("a")
	if shrunk.Version() != 3 || shrunk.Len() != 2 {
		t.Errorf("Without: version %d len %d", shrunk.Version(), shrunk.Len())
	}
	if _, ok := shrunk.Get("a"); ok {
		t.Error("a should be gone")
	}
}

func TestMember_Weight(t *testing.T) {
	if (Member{}).Weight() != 1 {
		t.Error("zero capacity should weigh 1")
	}
	if (Member{Capacity: 4}).Weight() != 4 {
		t.Error("capacity 4 should weigh 4")
	}
}

func TestCluster_UpdateMembership(t *testing.T) {
	c := NewCluster(&Config{NodeID: "a"}, nil)
	if c.NodeID() != "a" {
		t.Fatalf("unexpected node id %q", c.NodeID())
	}

	var mu sync.Mutex
	var seen []uint64
	c.OnChange(func(old, new *Membership) {
		mu.Lock()
		seen = append(seen, new.Version())
		mu.Unlock()
	})

	if !c.UpdateMembership(NewMembership(2, []Member{{ID: "a", Health: HealthUp}})) {
		t.Fatal("expected v2 to be installed")
	}
	if c.UpdateMembership(NewMembership(1, nil)) {
		t.Fatal("older snapshot must be ignored")
	}
	if c.Membership().Version() != 2 {
		t.Errorf("expected v2, got v%d", c.Membership().Version())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("unexpected notifications: %v", seen)
	}
}

func TestCluster_GeneratedID(t *testing.T) {
	c := NewCluster(&Config{}, nil)
	if len(c.NodeID()) != 40 {
		t.Errorf("expected 40 hex chars, got %q", c.NodeID())
	}
}

func TestCluster_Refresh(t *testing.T) {
	c := NewCluster(&Config{NodeID: "a"}, nil)
	src := NewStaticSource([]Member{{ID: "a", Health: HealthUp}, {ID: "b", Health: HealthUp}})

	m, err := c.Refresh(src)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 members, got %d", m.Len())
	}
}

func TestParseHealth(t *testing.T) {
	if ParseHealth("up") != HealthUp || ParseHealth("DOWN") != HealthDown || ParseHealth("?") != HealthUnknown {
		t.Error("ParseHealth mismatch")
	}
	if HealthUp.String() != "up" {
		t.Error("String mismatch")
	}
}
