// Package engine defines the shard-aware storage interfaces the migration
// core calls into. Keys live in exactly one shard; every operation names it.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
)

// Record is one key-value pair of a shard.
type Record struct {
	Key   string
	Value []byte
}

// Snapshot is a point-in-time copy of one shard's records, sorted by key.
type Snapshot struct {
	Shard   uint32
	Records []Record
	Taken   time.Time
}

func (s *Snapshot) Count() int { return len(s.Records) }

func (s *Snapshot) Digest() uint64 { return Digest(s.Records) }

// Stats summarizes a shard's content for verification.
type Stats struct {
	Count  int
	Digest uint64
}

// ShardStore is the object/catalog store as seen by migration.
type ShardStore interface {
	// SnapshotShard copies the shard's records at a single point in time.
	SnapshotShard(ctx context.Context, shard uint32) (*Snapshot, error)
	// ApplyShard replaces the shard's content with records.
	ApplyShard(ctx context.Context, shard uint32, records []Record) error
	// DropShard removes every record of the shard.
	DropShard(ctx context.Context, shard uint32) error
	ShardStats(ctx context.Context, shard uint32) (Stats, error)
}

// KV is the client-facing key-value surface.
type KV interface {
	Get(ctx context.Context, shard uint32, key string) ([]byte, error)
	Set(ctx context.Context, shard uint32, key string, value []byte) error
	Del(ctx context.Context, shard uint32, key string) (bool, error)
}

// Engine is a complete local store.
type Engine interface {
	KV
	ShardStore
	Close() error
}

// Digest hashes records independently of their order.
func Digest(records []Record) uint64 {
	var sum uint64
	for _, r := range records {
		sum += recordHash(r)
	}
	return sum
}

func recordHash(r Record) uint64 {
	d := xxhash.New()
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(r.Key)))
	_, _ = d.Write(lenBuf[:])
	_, _ = d.WriteString(r.Key)
	_, _ = d.Write(r.Value)
	return d.Sum64()
}

// StatsOf summarizes records.
func StatsOf(records []Record) Stats {
	return Stats{Count: len(records), Digest: Digest(records)}
}

// SortRecords orders records by key.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
}
