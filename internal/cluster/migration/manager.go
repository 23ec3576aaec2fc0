package migration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/actor"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/router"
	"github.com/10yihang/shardmigrate/internal/cluster/topology"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/engine"
	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/transport"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Store is the local storage a Manager copies shards from and into.
type Store interface {
	engine.ShardStore
	engine.KV
}

// Manager is the migration service of one node. It runs outbound sessions
// for the driver, hosts receiver tasks for peers and installs published
// tables. It implements transport.Handler.
type Manager struct {
	self      string
	cfg       *Config
	holder    *placement.Holder
	store     Store
	transport transport.Transport
	tracker   *tracker.Tracker
	pool      *actor.Pool
	logger    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// writes is held shared by every admitted client write until it is
	// released; Publish and Discard take it exclusively.
	writes sync.RWMutex

	mu       sync.RWMutex
	outbound map[string]*Session
	inbound  map[string]*inbound
	// aborted remembers inbound sessions aborted before or while running, by
	// target version, so a late Begin cannot revive them.
	aborted map[string]uint64
	closed  bool

	onPublish []func(*placement.Table)
}

func NewManager(self string, cfg *Config, holder *placement.Holder, store Store,
	tr transport.Transport, trk *tracker.Tracker, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NopLogger
	}
	if trk == nil {
		trk = tracker.New()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:      self,
		cfg:       cfg,
		holder:    holder,
		store:     store,
		transport: tr,
		tracker:   trk,
		pool:      actor.NewPool(cfg.Workers),
		logger:    log.WithPrefix("migration: "),
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(map[string]*Session),
		inbound:   make(map[string]*inbound),
		aborted:   make(map[string]uint64),
	}
}

// OnPublish registers fn to run after every installed table.
func (m *Manager) OnPublish(fn func(*placement.Table)) {
	m.mu.Lock()
	m.onPublish = append(m.onPublish, fn)
	m.mu.Unlock()
}

// Start routes transport replies into the tracker and serves peer messages.
func (m *Manager) Start() error {
	m.transport.OnReply(func(id uint64, reply *transport.Message, err error) {
		m.tracker.Resolve(id, reply, err)
	})
	return m.transport.Serve(m)
}

func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

func (m *Manager) Holder() *placement.Holder { return m.holder }

// Open registers and starts an outbound session. The caller waits on it.
func (m *Manager) Open(req OpenRequest) (*Session, error) {
	if req.Target == nil {
		return nil, errors.New("open session: missing target table")
	}
	if req.Target.Version() <= m.holder.Version() {
		return nil, errors.Wrapf(errs.ErrStaleVersion, "target v%d, current v%d", req.Target.Version(), m.holder.Version())
	}
	if req.ID == "" {
		req.ID = SessionID(req.OldVersion, req.Target.Version(), m.self, req.Dest, 0)
	}

	s := newSession(m, req)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.ErrClosed
	}
	if prev, dup := m.outbound[req.ID]; dup && !prev.State().Terminal() {
		m.mu.Unlock()
		return nil, errors.Wrapf(errs.ErrDuplicate, "session %s", req.ID)
	}
	m.outbound[req.ID] = s
	m.mu.Unlock()

	s.start()
	return s, nil
}

// Session returns the outbound session with id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.outbound[id]
	return s, ok
}

// Sessions returns the outbound sessions sorted by id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.outbound))
	for _, s := range m.outbound {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) sessionFinished(s *Session) {
	m.logger.Debugf("session %s finished %s", s.id, s.State())
}

// ShouldForwardIO consults every outbound session for shard.
func (m *Manager) ShouldForwardIO(shard uint32, reqVersion uint64) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.outbound {
		if fwd, dest := s.ShouldForwardIO(shard, reqVersion); fwd {
			metrics.RecordForward(true)
			return true, dest
		}
	}
	metrics.RecordForward(false)
	return false, ""
}

// AdmitWrite admits a client write the source serves locally. The write
// invalidates any copy of the shard in progress, and is replicated to every
// destination whose copy of the shard already verified. The ticket must be
// released once the write was applied.
func (m *Manager) AdmitWrite(shard uint32, reqVersion uint64) router.WriteTicket {
	m.writes.RLock()
	w := &writeTicket{m: m, shard: shard}
	for _, s := range m.Sessions() {
		switch s.admitWrite(shard) {
		case writeCounted:
			w.counted = append(w.counted, s)
		case writeReplicated:
			w.replicas = append(w.replicas, s)
		}
	}
	// Sessions are sorted by id, so concurrent writes lock in one order.
	for _, s := range w.replicas {
		s.wmu.Lock()
	}
	return w
}

type writeTicket struct {
	m        *Manager
	shard    uint32
	counted  []*Session
	replicas []*Session
	once     sync.Once
}

func (w *writeTicket) Replicate(ctx context.Context, key string, value []byte, deleted bool) error {
	for _, s := range w.replicas {
		if err := s.replicate(ctx, w.shard, key, value, deleted); err != nil {
			return err
		}
	}
	return nil
}

func (w *writeTicket) Release() {
	w.once.Do(func() {
		for i := len(w.replicas) - 1; i >= 0; i-- {
			w.replicas[i].wmu.Unlock()
		}
		for _, s := range w.counted {
			s.writeDone(w.shard)
		}
		w.m.writes.RUnlock()
	})
}

// call sends msg to a peer and waits for the reply. key groups the request
// in the tracker.
func (m *Manager) call(ctx context.Context, key, to string, msg *transport.Message) (*transport.Message, error) {
	done := make(chan tracker.Reply, 1)
	id := m.tracker.NextID()
	m.tracker.Track(tracker.Request{
		ID:       id,
		Session:  key,
		Deadline: time.Now().Add(m.cfg.RequestTimeout),
		Owner:    tracker.DelivererFunc(func(r tracker.Reply) { done <- r }),
	})
	if err := m.transport.Send(ctx, id, to, msg); err != nil {
		m.tracker.Resolve(id, nil, err)
	}

	select {
	case r := <-done:
		reply, _ := r.Payload.(*transport.Message)
		return reply, r.Err
	case <-ctx.Done():
		m.tracker.Untrack(id)
		return nil, ctx.Err()
	}
}

// Importing reports whether a receiver task on this node committed shard
// for a table that is not published yet. Such a shard may be served here
// when the source forwards a request for it.
func (m *Manager) Importing(shard uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, in := range m.inbound {
		for _, t := range in.tasks {
			if _, ok := t.shards[shard]; ok && t.committed.Load() {
				return true
			}
		}
	}
	return false
}

// HandleMessage implements transport.Handler.
func (m *Manager) HandleMessage(ctx context.Context, from string, msg *transport.Message) (*transport.Message, error) {
	switch msg.Kind {
	case transport.KindOpenSession:
		return m.handleOpen(ctx, msg)
	case transport.KindBegin:
		return m.handleBegin(ctx, msg)
	case transport.KindData, transport.KindVerify, transport.KindCommit, transport.KindReplicate:
		t, err := m.receiver(msg.Session, msg.Task)
		if err != nil {
			return nil, err
		}
		return t.submit(ctx, msg)
	case transport.KindAbort:
		return m.handleAbort(ctx, msg)
	case transport.KindPublish:
		if msg.Table == nil {
			return nil, errors.New("publish: missing table")
		}
		t, err := placement.FromData(*msg.Table)
		if err != nil {
			return nil, err
		}
		return transport.ReplyTo(msg, m.Publish(t)), nil
	case transport.KindDiscard:
		m.Discard(msg.NewVersion)
		return transport.ReplyTo(msg, nil), nil
	default:
		return nil, errors.Errorf("unexpected %s message from %s", msg.Kind, from)
	}
}

func (m *Manager) handleOpen(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	if msg.Table == nil {
		return nil, errors.New("open session: missing target table")
	}
	target, err := placement.FromData(*msg.Table)
	if err != nil {
		return nil, err
	}
	if !m.cfg.Enabled {
		m.logger.Infof("migration disabled, acknowledging %s without copying", msg.Session)
		return transport.ReplyTo(msg, nil), nil
	}

	s, err := m.Open(OpenRequest{
		ID:         msg.Session,
		Dest:       msg.Dest,
		Target:     target,
		OldVersion: msg.OldVersion,
		Shards:     msg.Shards,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
	defer cancel()
	return transport.ReplyTo(msg, s.Wait(ctx)), nil
}

func (m *Manager) handleBegin(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	if msg.Table == nil {
		return nil, errors.New("begin: missing target table")
	}
	target, err := placement.FromData(*msg.Table)
	if err != nil {
		return nil, err
	}
	if target.Version() <= m.holder.Version() {
		return nil, errors.Wrapf(errs.ErrStaleVersion, "target v%d, current v%d", target.Version(), m.holder.Version())
	}
	for _, shard := range msg.Shards {
		if !target.Contains(shard, m.self) {
			return nil, errors.Wrapf(errs.ErrNotOwner, "shard %d in v%d", shard, target.Version())
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.ErrClosed
	}
	if _, gone := m.aborted[msg.Session]; gone {
		m.mu.Unlock()
		return nil, errors.Wrapf(errs.ErrAborted, "session %s", msg.Session)
	}
	in, ok := m.inbound[msg.Session]
	if !ok {
		in = &inbound{
			id:         msg.Session,
			source:     msg.From,
			newVersion: target.Version(),
			target:     target,
			tasks:      make(map[int]*receiverTask),
		}
		m.inbound[msg.Session] = in
	}
	t, ok := in.tasks[msg.Task]
	if !ok {
		t = newReceiverTask(m, in, msg.Task, msg.Shards)
		in.tasks[msg.Task] = t
	}
	m.mu.Unlock()

	return t.submit(ctx, msg)
}

func (m *Manager) receiver(session string, task int) (*receiverTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inbound[session]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "session %s", session)
	}
	t, ok := in.tasks[task]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "task %d of %s", task, session)
	}
	return t, nil
}

func (m *Manager) handleAbort(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	m.mu.Lock()
	in := m.inbound[msg.Session]
	if msg.Task == wholeSession {
		delete(m.inbound, msg.Session)
		m.aborted[msg.Session] = msg.NewVersion
	}
	m.mu.Unlock()

	if in == nil {
		return transport.ReplyTo(msg, nil), nil
	}
	if msg.Task == wholeSession {
		m.logger.Infof("session %s aborted by %s: %s", msg.Session, msg.From, msg.Err)
		in.abortAll(m, msg.Error())
		return transport.ReplyTo(msg, nil), nil
	}

	m.mu.RLock()
	t := in.tasks[msg.Task]
	m.mu.RUnlock()
	if t == nil {
		return transport.ReplyTo(msg, nil), nil
	}
	return t.submit(ctx, msg)
}

// Discard forgets every session leading to table version, which will not
// be published. Running outbound sessions are aborted, and shards received
// for the version are dropped unless this node owns them. It returns the
// number of sessions discarded.
func (m *Manager) Discard(version uint64) int {
	m.writes.Lock()
	m.mu.Lock()
	var outs []*Session
	var ins []*inbound
	for id, s := range m.outbound {
		if s.NewVersion() == version {
			outs = append(outs, s)
			delete(m.outbound, id)
		}
	}
	for id, in := range m.inbound {
		if in.newVersion == version {
			ins = append(ins, in)
			delete(m.inbound, id)
			m.aborted[id] = version
		}
	}
	m.mu.Unlock()
	m.writes.Unlock()

	cause := errors.Wrapf(errs.ErrAborted, "table v%d discarded", version)
	for _, s := range outs {
		s.Abort(cause)
	}
	for _, in := range ins {
		in.abortAll(m, cause)
	}
	if n := len(outs) + len(ins); n > 0 {
		m.logger.Infof("table v%d discarded: %d outbound and %d inbound sessions", version, len(outs), len(ins))
	}
	return len(outs) + len(ins)
}

// Publish installs t as the authoritative table, forgets sessions that led
// to it and drops shards this node no longer holds.
func (m *Manager) Publish(t *placement.Table) error {
	m.writes.Lock()
	if err := m.holder.Publish(t); err != nil {
		m.writes.Unlock()
		return err
	}
	metrics.PlacementVersion.Set(float64(t.Version()))
	prev := m.holder.Previous()

	var stale []*inbound
	m.mu.Lock()
	for id, s := range m.outbound {
		if s.State().Terminal() && s.NewVersion() <= t.Version() {
			delete(m.outbound, id)
		}
	}
	for id, in := range m.inbound {
		if in.newVersion <= t.Version() {
			stale = append(stale, in)
			delete(m.inbound, id)
		}
	}
	for id, v := range m.aborted {
		if v <= t.Version() {
			delete(m.aborted, id)
		}
	}
	hooks := append([]func(*placement.Table){}, m.onPublish...)
	m.mu.Unlock()

	for _, in := range stale {
		for _, task := range in.tasks {
			task.actor.Stop()
		}
	}

	if prev != nil {
		lost, _ := topology.Diff(prev, t, m.self)
		for _, shard := range lost {
			if err := m.store.DropShard(m.ctx, shard); err != nil {
				m.logger.Warnf("drop shard %d: %v", shard, err)
			}
		}
		if len(lost) > 0 {
			m.logger.Infof("table v%d installed, dropped %d shards", t.Version(), len(lost))
		}
	}
	m.writes.Unlock()
	m.holder.Release()
	for _, fn := range hooks {
		fn(t)
	}
	return nil
}

func (m *Manager) dropIfNotOwned(shard uint32) {
	if topology.IsCurrentOwner(shard, m.holder.Current(), m.self) {
		return
	}
	if err := m.store.DropShard(m.ctx, shard); err != nil {
		m.logger.Warnf("drop shard %d: %v", shard, err)
	}
}

// Close aborts every running session and waits for them to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.outbound))
	for _, s := range m.outbound {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Abort(errs.ErrClosed)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(m.cfg.RequestTimeout):
			m.tracker.FailSession(s.id, errs.ErrClosed)
			<-s.Done()
		}
	}
	m.cancel()
	m.pool.Wait()
	return nil
}
