package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
)

type fakeMigrations struct {
	forward   map[uint32]string
	importing map[uint32]bool
	writes    []uint32
}

type fakeTicket struct{ shard uint32 }

func (fakeTicket) Replicate(context.Context, string, []byte, bool) error { return nil }
func (fakeTicket) Release()                                              {}

func (f *fakeMigrations) ShouldForwardIO(shard uint32, version uint64) (bool, string) {
	dest, ok := f.forward[shard]
	return ok, dest
}

func (f *fakeMigrations) AdmitWrite(shard uint32, version uint64) WriteTicket {
	f.writes = append(f.writes, shard)
	return fakeTicket{shard: shard}
}

func (f *fakeMigrations) Importing(shard uint32) bool {
	return f.importing[shard]
}

// setupTestCluster returns node a of a two-node cluster where a owns shards
// 0 and 1 and b owns shards 2 and 3.
func setupTestCluster(t *testing.T) (*cluster.Cluster, *placement.Holder) {
	t.Helper()
	c := cluster.NewCluster(&cluster.Config{NodeID: "a", Addr: "127.0.0.1:6379"}, nil)
	c.UpdateMembership(cluster.NewMembership(1, []cluster.Member{
		{ID: "a", Addr: "127.0.0.1:6379", Health: cluster.HealthUp},
		{ID: "b", Addr: "127.0.0.1:6380", Health: cluster.HealthUp},
	}))

	table, err := placement.FromData(placement.TableData{
		Version: 1,
		Width:   2,
		Depth:   1,
		Shards:  [][]string{{"a"}, {"a"}, {"b"}, {"b"}},
	})
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	return c, placement.NewHolder(table)
}

func keyFor(t *testing.T, shard uint32) []byte {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("key:%d", i)
		if hash.KeyToken(k, 2) == shard {
			return []byte(k)
		}
	}
	t.Fatalf("no key for shard %d", shard)
	return nil
}

func TestClusterRouter_NilCluster(t *testing.T) {
	r := NewClusterRouter(nil, nil, nil)

	result := r.Route(context.Background(), []byte("foo"), 0, false, false)
	if !result.Local {
		t.Errorf("Route with nil cluster: got Local=%v, want true", result.Local)
	}

	result = r.RouteMulti(context.Background(), [][]byte{[]byte("a"), []byte("b")}, 0, false)
	if !result.Local {
		t.Errorf("RouteMulti with nil cluster: got Local=%v, want true", result.Local)
	}

	if fwd, _ := r.ShouldForwardIO(0, 1); fwd {
		t.Error("ShouldForwardIO without migrations: got true, want false")
	}
}

func TestClusterRouter_Route_Local(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, nil)

	result := r.Route(context.Background(), keyFor(t, 1), 0, false, false)
	if !result.Local {
		t.Errorf("Route local key: got Local=%v, want true", result.Local)
	}
	if result.Redirect != nil {
		t.Errorf("Route local key: got Redirect=%v, want nil", result.Redirect)
	}
	if result.Shard != 1 {
		t.Errorf("Route local key: got Shard=%d, want 1", result.Shard)
	}
}

func TestClusterRouter_Route_Moved(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, &fakeMigrations{})

	result := r.Route(context.Background(), keyFor(t, 2), 0, false, false)
	if result.Local {
		t.Fatal("Route remote key: got Local=true, want redirect")
	}
	if result.Redirect.Type != RedirectMoved {
		t.Errorf("Route remote key: got %s, want MOVED", result.Redirect.Type)
	}
	if result.Redirect.Node != "b" || result.Redirect.Addr != "127.0.0.1:6380" {
		t.Errorf("Route remote key: got %+v", result.Redirect)
	}
}

func TestClusterRouter_Route_AskDuringMigration(t *testing.T) {
	c, holder := setupTestCluster(t)
	mig := &fakeMigrations{forward: map[uint32]string{0: "b"}}
	r := NewClusterRouter(c, holder, mig)

	result := r.Route(context.Background(), keyFor(t, 0), 1, false, false)
	if result.Redirect == nil || result.Redirect.Type != RedirectAsk {
		t.Fatalf("Route migrated shard: got %+v, want ASK", result)
	}
	if result.Redirect.Addr != "127.0.0.1:6380" {
		t.Errorf("ASK addr: got %q", result.Redirect.Addr)
	}

	result = r.Route(context.Background(), keyFor(t, 1), 1, true, false)
	if !result.Local {
		t.Errorf("Route write to shard not migrating: got %+v, want local", result)
	}
	if len(mig.writes) != 1 || mig.writes[0] != 1 {
		t.Errorf("writes must be admitted through the migrations: got %v", mig.writes)
	}
}

func TestClusterRouter_Route_WriteToHandedOverShardStaysLocal(t *testing.T) {
	c, holder := setupTestCluster(t)
	mig := &fakeMigrations{forward: map[uint32]string{0: "b"}}
	r := NewClusterRouter(c, holder, mig)

	result := r.Route(context.Background(), keyFor(t, 0), 1, true, false)
	if !result.Local || result.Redirect != nil {
		t.Fatalf("Route write to handed-over shard: got %+v, want local", result)
	}
	tk, ok := result.Write.(fakeTicket)
	if !ok || tk.shard != 0 {
		t.Errorf("Route write: got ticket %#v, want one for shard 0", result.Write)
	}

	if result := r.Route(context.Background(), keyFor(t, 1), 1, false, false); result.Write != nil {
		t.Errorf("Route read: got ticket %#v, want none", result.Write)
	}
}

func TestClusterRouter_Route_ImportingWithAsking(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, &fakeMigrations{importing: map[uint32]bool{3: true}})

	key := keyFor(t, 3)
	if result := r.Route(context.Background(), key, 0, false, true); !result.Local {
		t.Errorf("Route importing shard with ASKING: got %+v, want local", result)
	}
	if result := r.Route(context.Background(), key, 0, false, false); result.Local {
		t.Error("Route importing shard without ASKING: got local, want MOVED")
	}
	result := r.Route(context.Background(), key, 0, true, true)
	if result.Redirect == nil || result.Redirect.Type != RedirectMoved || result.Redirect.Node != "b" {
		t.Errorf("Route write to importing shard with ASKING: got %+v, want MOVED to b", result)
	}
}

func TestClusterRouter_RouteMulti_SameShard(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, nil)

	keys := [][]byte{[]byte("{user}.name"), []byte("{user}.email"), []byte("{user}.age")}
	result := r.RouteMulti(context.Background(), keys, 0, false)
	if result.CrossShard {
		t.Errorf("RouteMulti same shard: got CrossShard=%v, want false", result.CrossShard)
	}
	if result.Shard != hash.KeyToken("user", 2) {
		t.Errorf("RouteMulti same shard: got Shard=%d", result.Shard)
	}
}

func TestClusterRouter_RouteMulti_CrossShard(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, nil)

	keys := [][]byte{keyFor(t, 0), keyFor(t, 2)}
	result := r.RouteMulti(context.Background(), keys, 0, false)
	if !result.CrossShard {
		t.Errorf("RouteMulti cross shard: got CrossShard=%v, want true", result.CrossShard)
	}
}

func TestClusterRouter_RouteMulti_Empty(t *testing.T) {
	c, holder := setupTestCluster(t)
	r := NewClusterRouter(c, holder, nil)

	if result := r.RouteMulti(context.Background(), nil, 0, false); !result.Local {
		t.Errorf("RouteMulti empty: got Local=%v, want true", result.Local)
	}
}

func TestRedirectType_String(t *testing.T) {
	if RedirectMoved.String() != "MOVED" || RedirectAsk.String() != "ASK" {
		t.Errorf("got %s/%s", RedirectMoved, RedirectAsk)
	}
}

func TestClusterRouter_RedirectPrefersClientAddr(t *testing.T) {
	c, holder := setupTestCluster(t)
	c.UpdateMembership(cluster.NewMembership(2, []cluster.Member{
		{ID: "a", Addr: "127.0.0.1:17000", Health: cluster.HealthUp},
		{ID: "b", Addr: "127.0.0.1:17001", Health: cluster.HealthUp,
			Labels: map[string]string{cluster.LabelClientAddr: "127.0.0.1:6380"}},
	}))
	r := NewClusterRouter(c, holder, nil)

	result := r.Route(context.Background(), keyFor(t, 3), 0, false, false)
	if result.Redirect == nil || result.Redirect.Addr != "127.0.0.1:6380" {
		t.Errorf("Route remote key: got %+v, want client addr", result.Redirect)
	}
}
