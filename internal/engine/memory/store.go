// Package memory is an in-process engine.Engine keyed by shard.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/shardmigrate/internal/engine"
)

// Stats uses atomic counters for lock-free updates
type Stats struct {
	Snapshots atomic.Int64
	Applies   atomic.Int64
	Drops     atomic.Int64
	SetOps    atomic.Int64
	GetOps    atomic.Int64
}

// Faults lets callers make shard operations fail. A nil func never fails.
type Faults struct {
	Snapshot func(shard uint32) error
	Apply    func(shard uint32) error
}

type Store struct {
	mu     sync.RWMutex
	shards map[uint32]map[string][]byte
	closed bool

	applied map[uint32]int
	faults  Faults
	stats   Stats
}

func NewStore() *Store {
	return &Store{
		shards:  make(map[uint32]map[string][]byte),
		applied: make(map[uint32]int),
	}
}

// SetFaults installs fault hooks.
func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

func (s *Store) Get(_ context.Context, shard uint32, key string) ([]byte, error) {
	s.stats.GetOps.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, engine.ErrClosed
	}
	v, ok := s.shards[shard][key]
	if !ok {
		return nil, engine.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(_ context.Context, shard uint32, key string, value []byte) error {
	s.stats.SetOps.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	m := s.shards[shard]
	if m == nil {
		m = make(map[string][]byte)
		s.shards[shard] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Del(_ context.Context, shard uint32, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, engine.ErrClosed
	}
	if _, ok := s.shards[shard][key]; !ok {
		return false, nil
	}
	delete(s.shards[shard], key)
	return true, nil
}

func (s *Store) SnapshotShard(_ context.Context, shard uint32) (*engine.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, engine.ErrClosed
	}
	if s.faults.Snapshot != nil {
		if err := s.faults.Snapshot(shard); err != nil {
			return nil, err
		}
	}
	s.stats.Snapshots.Add(1)

	snap := &engine.Snapshot{Shard: shard, Taken: time.Now()}
	for k, v := range s.shards[shard] {
		snap.Records = append(snap.Records, engine.Record{Key: k, Value: append([]byte(nil), v...)})
	}
	engine.SortRecords(snap.Records)
	return snap, nil
}

func (s *Store) ApplyShard(ctx context.Context, shard uint32, records []engine.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	if s.faults.Apply != nil {
		if err := s.faults.Apply(shard); err != nil {
			return err
		}
	}
	m := make(map[string][]byte, len(records))
	for _, r := range records {
		m[r.Key] = append([]byte(nil), r.Value...)
	}
	s.shards[shard] = m
	s.applied[shard]++
	s.stats.Applies.Add(1)
	return nil
}

func (s *Store) DropShard(_ context.Context, shard uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrClosed
	}
	delete(s.shards, shard)
	s.stats.Drops.Add(1)
	return nil
}

func (s *Store) ShardStats(ctx context.Context, shard uint32) (engine.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return engine.Stats{}, engine.ErrClosed
	}
	records := make([]engine.Record, 0, len(s.shards[shard]))
	for k, v := range s.shards[shard] {
		records = append(records, engine.Record{Key: k, Value: v})
	}
	return engine.StatsOf(records), nil
}

// ApplyCount returns how many times ApplyShard succeeded for shard.
func (s *Store) ApplyCount(shard uint32) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[shard]
}

// Shards returns the shards holding at least one record.
func (s *Store) Shards() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint32
	for shard, m := range s.shards {
		if len(m) > 0 {
			out = append(out, shard)
		}
	}
	return out
}

func (s *Store) GetStats() *Stats {
	return &s.stats
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
