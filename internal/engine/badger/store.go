package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/10yihang/shardmigrate/internal/engine"
	"github.com/10yihang/shardmigrate/internal/logger"
)

const prefixLen = 4

// Store implements engine.Engine using BadgerDB. Every key is stored under a
// 4-byte big-endian shard prefix so a shard is one contiguous key range.
type Store struct {
	db *badger.DB
}

// NewStore opens a BadgerDB store at path
func NewStore(path string, log logger.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	// Optimize for SSD
	opts.BlockCacheSize = 256 << 20 // 256MB
	opts.IndexCacheSize = 256 << 20 // 256MB
	return open(opts, log)
}

// NewInMemoryStore opens a BadgerDB store that never touches disk
func NewInMemoryStore(log logger.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}

func open(opts badger.Options, log logger.Logger) (*Store, error) {
	if log == nil {
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{log.WithPrefix("badger: ")})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func shardPrefix(shard uint32) []byte {
	p := make([]byte, prefixLen)
	binary.BigEndian.PutUint32(p, shard)
	return p
}

func shardKey(shard uint32, key string) []byte {
	k := make([]byte, prefixLen+len(key))
	binary.BigEndian.PutUint32(k, shard)
	copy(k[prefixLen:], key)
	return k
}

// Get gets a key
func (s *Store) Get(ctx context.Context, shard uint32, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(shard, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, engine.ErrKeyNotFound
	}
	return val, err
}

// Set sets a key
func (s *Store) Set(ctx context.Context, shard uint32, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(shard, key), value)
	})
}

// Del deletes a key and reports whether it existed
func (s *Store) Del(ctx context.Context, shard uint32, key string) (bool, error) {
	var found bool
	err := s.db.Update(func(txn *badger.Txn) error {
		k := shardKey(shard, key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return txn.Delete(k)
	})
	return found, err
}

// SnapshotShard copies a shard inside one read transaction
func (s *Store) SnapshotShard(ctx context.Context, shard uint32) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{Shard: shard, Taken: time.Now()}
	prefix := shardPrefix(shard)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			snap.Records = append(snap.Records, engine.Record{
				Key:   string(item.Key()[prefixLen:]),
				Value: val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ApplyShard replaces a shard's content with records
func (s *Store) ApplyShard(ctx context.Context, shard uint32, records []engine.Record) error {
	if err := s.db.DropPrefix(shardPrefix(shard)); err != nil {
		return fmt.Errorf("drop shard %d: %w", shard, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Set(shardKey(shard, r.Key), r.Value); err != nil {
			return fmt.Errorf("write shard %d: %w", shard, err)
		}
	}
	return wb.Flush()
}

// DropShard removes a shard
func (s *Store) DropShard(ctx context.Context, shard uint32) error {
	return s.db.DropPrefix(shardPrefix(shard))
}

// ShardStats counts and digests a shard
func (s *Store) ShardStats(ctx context.Context, shard uint32) (engine.Stats, error) {
	snap, err := s.SnapshotShard(ctx, shard)
	if err != nil {
		return engine.Stats{}, err
	}
	return engine.StatsOf(snap.Records), nil
}

// Close closes db
func (s *Store) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	l logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{})   { b.l.Errorf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...interface{}) { b.l.Warnf(format, args...) }
func (b badgerLogger) Infof(format string, args ...interface{})    { b.l.Debugf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...interface{})   { b.l.Debugf(format, args...) }
