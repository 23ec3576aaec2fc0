package cluster

import (
	"sync"

	"github.com/10yihang/shardmigrate/internal/logger"
)

type Config struct {
	NodeID string
	Addr   string
}

// ChangeHandler is invoked with the new snapshot after every membership update.
type ChangeHandler func(old, new *Membership)

// Cluster holds the local node identity and the latest membership snapshot.
// UpdateMembership is the entry point for the membership feed; subscribers
// registered with OnChange receive the topology-change signal.
type Cluster struct {
	self       string
	addr       string
	membership *Membership
	handlers   []ChangeHandler
	logger     logger.Logger
	mu         sync.RWMutex
}

func NewCluster(cfg *Config, log logger.Logger) *Cluster {
	if log == nil {
		log = logger.NopLogger
	}
	id := cfg.NodeID
	if id == "" {
		id = generateNodeID()
	}
	return &Cluster{
		self:       id,
		addr:       cfg.Addr,
		membership: NewMembership(0, nil),
		logger:     log.WithPrefix("cluster: "),
	}
}

func (c *Cluster) NodeID() string {
	return c.self
}

func (c *Cluster) Addr() string {
	return c.addr
}

// Membership returns the current snapshot. Snapshots are immutable.
func (c *Cluster) Membership() *Membership {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membership
}

// OnChange registers h for future membership updates.
func (c *Cluster) OnChange(h ChangeHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// UpdateMembership installs snapshot if it is newer than the current one and
// reports whether it was installed. Handlers run outside the lock.
func (c *Cluster) UpdateMembership(snapshot *Membership) bool {
	c.mu.Lock()
	old := c.membership
	if old != nil && snapshot.Version() <= old.Version() {
		c.mu.Unlock()
		return false
	}
	c.membership = snapshot
	handlers := make([]ChangeHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	c.logger.Infof("membership v%d installed, %d members (%d up)", snapshot.Version(), snapshot.Len(), len(snapshot.Up()))
	for _, h := range handlers {
		h(old, snapshot)
	}
	return true
}

// Refresh re-reads membership from src and installs it. It is used when a
// stale node reference is detected.
func (c *Cluster) Refresh(src MembershipSource) (*Membership, error) {
	snapshot, err := src.Snapshot()
	if err != nil {
		return nil, err
	}
	c.UpdateMembership(snapshot)
	return c.Membership(), nil
}

// MembershipSource is the external membership service.
type MembershipSource interface {
	Snapshot() (*Membership, error)
}

// StaticSource serves a fixed snapshot, used for static seed lists.
type StaticSource struct {
	mu       sync.Mutex
	snapshot *Membership
}

func NewStaticSource(members []Member) *StaticSource {
	return &StaticSource{snapshot: NewMembership(1, members)}
}

func (s *StaticSource) Snapshot() (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

// Set replaces the served snapshot.
func (s *StaticSource) Set(m *Membership) {
	s.mu.Lock()
	s.snapshot = m
	s.mu.Unlock()
}
