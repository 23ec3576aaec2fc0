package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/hash"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/router"
	"github.com/10yihang/shardmigrate/internal/engine/memory"
)

type importing map[uint32]bool

func (importing) ShouldForwardIO(uint32, uint64) (bool, string) { return false, "" }
func (importing) AdmitWrite(uint32, uint64) router.WriteTicket  { return nil }
func (m importing) Importing(shard uint32) bool                 { return m[shard] }

// replicating admits every write and records what the handler replicates.
type replicating struct {
	mu       sync.Mutex
	fail     error
	writes   []string
	released int
}

func (r *replicating) ShouldForwardIO(uint32, uint64) (bool, string) { return false, "" }
func (r *replicating) Importing(uint32) bool                         { return false }

func (r *replicating) AdmitWrite(uint32, uint64) router.WriteTicket {
	return (*replicatingTicket)(r)
}

func (r *replicating) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...), r.released
}

type replicatingTicket replicating

func (w *replicatingTicket) Replicate(_ context.Context, key string, value []byte, deleted bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if deleted {
		w.writes = append(w.writes, "del "+key)
	} else {
		w.writes = append(w.writes, "set "+key+"="+string(value))
	}
	return w.fail
}

func (w *replicatingTicket) Release() {
	w.mu.Lock()
	w.released++
	w.mu.Unlock()
}

func waitForServer(t *testing.T, s *Server, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		addr := s.Addr()
		if addr != "127.0.0.1:0" && addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return ""
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

// do sends one command and returns the first line of the reply, or the
// bulk payload for bulk replies.
func (c *client) do(args ...string) string {
	c.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "$") && line != "$-1" {
		body, err := c.rd.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read bulk: %v", err)
		}
		return strings.TrimRight(body, "\r\n")
	}
	return line
}

// startServer runs node a of a two-node cluster where a owns shards 0 and 1.
func startServer(t *testing.T, mig router.Migrations) *client {
	t.Helper()
	c := cluster.NewCluster(&cluster.Config{NodeID: "a"}, nil)
	c.UpdateMembership(cluster.NewMembership(1, []cluster.Member{
		{ID: "a", Addr: "10.0.0.1:6379", Health: cluster.HealthUp},
		{ID: "b", Addr: "10.0.0.2:6379", Health: cluster.HealthUp},
	}))
	table, err := placement.FromData(placement.TableData{
		Version: 7, Width: 2, Depth: 1,
		Shards: [][]string{{"a"}, {"a"}, {"b"}, {"b"}},
	})
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	holder := placement.NewHolder(table)

	store := memory.NewStore()
	handler := NewHandler(store, router.NewClusterRouter(c, holder, mig), holder)
	server := NewServer("127.0.0.1:0", handler, nil)
	go server.Start()
	t.Cleanup(func() { server.Stop() })

	conn, err := net.Dial("tcp", waitForServer(t, server, 2*time.Second))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func keyFor(t *testing.T, shard uint32) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("key:%d", i)
		if hash.KeyToken(k, 2) == shard {
			return k
		}
	}
	t.Fatalf("no key for shard %d", shard)
	return ""
}

func TestHandler_LocalCommands(t *testing.T) {
	c := startServer(t, nil)
	key := keyFor(t, 0)

	if got := c.do("PING"); got != "+PONG" {
		t.Errorf("PING: got %q", got)
	}
	if got := c.do("SET", key, "v1"); got != "+OK" {
		t.Errorf("SET: got %q", got)
	}
	if got := c.do("GET", key); got != "v1" {
		t.Errorf("GET: got %q, want v1", got)
	}
	if got := c.do("EXISTS", key); got != ":1" {
		t.Errorf("EXISTS: got %q", got)
	}
	if got := c.do("DEL", key); got != ":1" {
		t.Errorf("DEL: got %q", got)
	}
	if got := c.do("GET", key); got != "$-1" {
		t.Errorf("GET deleted: got %q, want nil", got)
	}
	if got := c.do("CLUSTER", "VERSION"); got != ":7" {
		t.Errorf("CLUSTER VERSION: got %q", got)
	}
	if got := c.do("NOPE"); !strings.HasPrefix(got, "-ERR unknown command") {
		t.Errorf("unknown command: got %q", got)
	}
}

func TestHandler_MovedForRemoteShard(t *testing.T) {
	c := startServer(t, nil)
	key := keyFor(t, 2)

	got := c.do("GET", key)
	if got != "-MOVED 2 10.0.0.2:6379" {
		t.Errorf("GET remote key: got %q", got)
	}
	if got := c.do("DEL", keyFor(t, 0), key); !strings.HasPrefix(got, "-CROSSSLOT") {
		t.Errorf("DEL across shards: got %q", got)
	}
}

func TestHandler_AskingAllowsImportingShardOnce(t *testing.T) {
	c := startServer(t, importing{3: true})
	key := keyFor(t, 3)

	if got := c.do("ASKING"); got != "+OK" {
		t.Fatalf("ASKING: got %q", got)
	}
	if got := c.do("GET", key); got != "$-1" {
		t.Errorf("GET after ASKING: got %q, want local nil", got)
	}
	if got := c.do("GET", key); !strings.HasPrefix(got, "-MOVED 3 ") {
		t.Errorf("ASKING must apply to one command only: got %q", got)
	}

	// Writes go to the source even after ASKING.
	c.do("ASKING")
	if got := c.do("SET", key, "v"); !strings.HasPrefix(got, "-MOVED 3 ") {
		t.Errorf("SET after ASKING: got %q, want MOVED", got)
	}
}

func TestHandler_WritesAreReplicatedBeforeReply(t *testing.T) {
	mig := &replicating{}
	c := startServer(t, mig)
	key := keyFor(t, 1)

	if got := c.do("SET", key, "v1"); got != "+OK" {
		t.Fatalf("SET: got %q", got)
	}
	if got := c.do("DEL", key); got != ":1" {
		t.Fatalf("DEL: got %q", got)
	}
	if got := c.do("DEL", key); got != ":0" {
		t.Fatalf("DEL missing key: got %q", got)
	}
	if got := c.do("GET", key); got != "$-1" {
		t.Fatalf("GET: got %q", got)
	}

	writes, released := mig.snapshot()
	want := []string{"set " + key + "=v1", "del " + key}
	if fmt.Sprint(writes) != fmt.Sprint(want) {
		t.Errorf("replicated: got %v, want %v", writes, want)
	}
	if released != 3 {
		t.Errorf("released tickets: got %d, want 3", released)
	}
}

func TestHandler_FailedReplicationIsNotAcknowledged(t *testing.T) {
	mig := &replicating{fail: errors.New("destination unreachable")}
	c := startServer(t, mig)

	got := c.do("SET", keyFor(t, 0), "v1")
	if !strings.HasPrefix(got, "-TRYAGAIN ") || !strings.Contains(got, "destination unreachable") {
		t.Errorf("SET with failed replication: got %q", got)
	}
	if _, released := mig.snapshot(); released != 1 {
		t.Errorf("released tickets: got %d, want 1", released)
	}
}
