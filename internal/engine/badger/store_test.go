package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/10yihang/shardmigrate/internal/engine"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SetGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, 3, "key1", []byte("value1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := store.Get(ctx, 3, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("Value mismatch: got %q, want value1", val)
	}

	if _, err := store.Get(ctx, 4, "key1"); err != engine.ErrKeyNotFound {
		t.Errorf("key must not leak into another shard: got %v", err)
	}
}

func TestStore_Del(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	store.Set(ctx, 0, "key1", []byte("val"))

	found, err := store.Del(ctx, 0, "key1")
	if err != nil || !found {
		t.Fatalf("Del: found=%v err=%v", found, err)
	}
	found, err = store.Del(ctx, 0, "key1")
	if err != nil || found {
		t.Fatalf("second Del: found=%v err=%v", found, err)
	}

	if _, err := store.Get(ctx, 0, "key1"); err != engine.ErrKeyNotFound {
		t.Error("key1 should be deleted")
	}
}

func TestStore_SnapshotShard(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Set(ctx, 1, fmt.Sprintf("key%d", i), []byte("v"))
	}
	store.Set(ctx, 2, "other", []byte("x"))

	snap, err := store.SnapshotShard(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Count() != 5 {
		t.Fatalf("snapshot count: got %d, want 5", snap.Count())
	}
	for i, r := range snap.Records {
		if r.Key != fmt.Sprintf("key%d", i) {
			t.Errorf("record %d: got key %q", i, r.Key)
		}
	}

	// Writes after the snapshot do not change it.
	store.Set(ctx, 1, "key9", []byte("late"))
	if snap.Count() != 5 {
		t.Error("snapshot changed after write")
	}
}

func TestStore_ApplyShardReplaces(t *testing.T) {
	src := createTestStore(t)
	dst := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		src.Set(ctx, 7, fmt.Sprintf("k%02d", i), []byte(fmt.Sprint(i)))
	}
	dst.Set(ctx, 7, "stale", []byte("old"))
	dst.Set(ctx, 8, "keep", []byte("yes"))

	snap, err := src.SnapshotShard(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := dst.ApplyShard(ctx, 7, snap.Records); err != nil {
		t.Fatalf("ApplyShard failed: %v", err)
	}

	want, _ := src.ShardStats(ctx, 7)
	got, err := dst.ShardStats(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("stats mismatch: got %+v, want %+v", got, want)
	}
	if _, err := dst.Get(ctx, 7, "stale"); err != engine.ErrKeyNotFound {
		t.Error("apply should replace previous shard content")
	}
	if _, err := dst.Get(ctx, 8, "keep"); err != nil {
		t.Errorf("other shard touched: %v", err)
	}
}

func TestStore_DropShard(t *testing.T) {
	store, err := NewInMemoryStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Set(ctx, 1, "a", []byte("1"))
	store.Set(ctx, 2, "b", []byte("2"))

	if err := store.DropShard(ctx, 1); err != nil {
		t.Fatal(err)
	}
	stats, _ := store.ShardStats(ctx, 1)
	if stats.Count != 0 {
		t.Errorf("shard 1 not dropped: %+v", stats)
	}
	stats, _ = store.ShardStats(ctx, 2)
	if stats.Count != 1 {
		t.Errorf("shard 2 affected: %+v", stats)
	}
}
