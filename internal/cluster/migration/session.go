package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/actor"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/engine"
	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/transport"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

type SessionState int32

const (
	SessionPending SessionState = iota
	SessionRunning
	SessionDraining
	SessionComplete
	SessionAborted
)

var sessionStateNames = [...]string{
	SessionPending:  "PENDING",
	SessionRunning:  "RUNNING",
	SessionDraining: "DRAINING",
	SessionComplete: "COMPLETE",
	SessionAborted:  "ABORTED",
}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "UNKNOWN"
}

func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionAborted
}

// wholeSession in the Task field of an abort message addresses every task.
const wholeSession = -1

// SessionID names the session moving shards from source to dest for the
// table transition old -> new. attempt distinguishes driver attempts,
// including those of earlier runs that failed for the same versions.
func SessionID(oldVersion, newVersion uint64, source, dest string, attempt int) string {
	return fmt.Sprintf("%d-%d/%s->%s#%d", oldVersion, newVersion, source, dest, attempt)
}

// OpenRequest describes one session to run on the source node.
type OpenRequest struct {
	ID     string
	Dest   string
	Target *placement.Table
	// OldVersion is the table the shards are moving away from.
	OldVersion uint64
	Shards     []uint32
}

// Session mailbox messages.
type (
	taskResultMsg struct {
		task int
		err  error
	}
	sessionAbortMsg struct{ err error }
	drainMsg        struct{}
	checkMsg        struct{}
)

// Session owns every copy task for one (source, destination, version pair).
// Its bookkeeping runs on its own actor; the forwarding decision reads task
// states published atomically and is re-derived on every call.
type Session struct {
	id         string
	source     string
	dest       string
	oldVersion uint64
	newVersion uint64
	target     *placement.Table
	targetData *placement.TableData
	shards     []uint32

	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	actor  *actor.Actor
	logger logger.Logger

	// tasks is the arena; shardTask indexes it by shard. Both are fixed after open.
	tasks     map[int]*senderTask
	shardTask map[uint32]int

	state    atomic.Int32
	inflight atomic.Int64

	// Owned by the session actor.
	queue     []int
	running   int
	draining  bool
	abortErr  error
	finished  bool
	startedAt time.Time

	// genMu guards the per-shard write bookkeeping. A shard is sealed once
	// its copy verified with no write since the snapshot; later writes to it
	// are replicated to dest under wmu.
	genMu       sync.Mutex
	generations map[uint32]uint64
	writing     map[uint32]int
	sealed      map[uint32]bool
	wmu         sync.Mutex

	done chan struct{}
	err  error
}

func newSession(m *Manager, req OpenRequest) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	data := req.Target.Data()
	s := &Session{
		id:          req.ID,
		source:      m.self,
		dest:        req.Dest,
		oldVersion:  req.OldVersion,
		newVersion:  req.Target.Version(),
		target:      req.Target,
		targetData:  &data,
		shards:      append([]uint32(nil), req.Shards...),
		m:           m,
		ctx:         ctx,
		cancel:      cancel,
		logger:      m.logger.WithPrefix("session " + req.ID + ": "),
		tasks:       make(map[int]*senderTask),
		shardTask:   make(map[uint32]int),
		generations: make(map[uint32]uint64),
		writing:     make(map[uint32]int),
		sealed:      make(map[uint32]bool),
		done:        make(chan struct{}),
	}
	s.actor = actor.New(m.pool, s.handle)

	per := m.cfg.ShardsPerTask
	for i := 0; i < len(s.shards); i += per {
		end := i + per
		if end > len(s.shards) {
			end = len(s.shards)
		}
		id := len(s.tasks)
		t := newSenderTask(id, s, s.shards[i:end])
		s.tasks[id] = t
		s.queue = append(s.queue, id)
		for _, shard := range t.shards {
			s.shardTask[shard] = id
		}
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Source() string { return s.source }

func (s *Session) Dest() string { return s.dest }

func (s *Session) OldVersion() uint64 { return s.oldVersion }

func (s *Session) NewVersion() uint64 { return s.newVersion }

func (s *Session) Shards() []uint32 { return append([]uint32(nil), s.shards...) }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed once the session reached COMPLETE or ABORTED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the abort cause after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session finishes. If ctx ends first the session is
// aborted and Wait still returns only after it drained.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		s.Abort(errors.Wrapf(errs.ErrRequestTimeout, "session %s: %v", s.id, ctx.Err()))
		<-s.done
		return s.err
	}
}

// TaskState returns the sender state of task id.
func (s *Session) TaskState(id int) (SenderState, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return SenderIdle, false
	}
	return t.State(), true
}

func (s *Session) NumTasks() int { return len(s.tasks) }

func (s *Session) start() {
	s.actor.Send(startMsg{})
}

// Abort fails the session. It is idempotent and safe from any goroutine.
func (s *Session) Abort(err error) {
	if err == nil {
		err = errs.ErrAborted
	}
	s.actor.Send(sessionAbortMsg{err: err})
}

// DrainAndClose stops new tasks from starting and waits until every
// outstanding request resolved. A session drained before all its tasks ran
// finishes ABORTED.
func (s *Session) DrainAndClose(ctx context.Context) error {
	s.actor.Send(drainMsg{})
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldForwardIO reports whether a read for shard, routed with table
// version reqVersion, must go to the destination. It forwards only once the
// shard's task is DONE, which follows the destination's commit ack, and the
// source gives the shard up. Until then the source keeps serving the shard:
// it applied every write and replicated each one made after the seal.
func (s *Session) ShouldForwardIO(shard uint32, reqVersion uint64) (bool, string) {
	switch s.State() {
	case SessionRunning, SessionDraining, SessionComplete:
	default:
		return false, ""
	}
	if reqVersion > s.newVersion {
		return false, ""
	}
	id, ok := s.shardTask[shard]
	if !ok {
		return false, ""
	}
	if s.tasks[id].State() != SenderDone {
		return false, ""
	}
	if s.target.Contains(shard, s.source) {
		return false, ""
	}
	return true, s.dest
}

type writeMode int

const (
	writeUntracked writeMode = iota
	// writeCounted writes may still land in a snapshot being taken.
	writeCounted
	// writeReplicated writes must reach dest before they are acknowledged.
	writeReplicated
)

// admitWrite classifies a local client write to shard. Counted writes must
// be ended with writeDone.
func (s *Session) admitWrite(shard uint32) writeMode {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if _, ok := s.shardTask[shard]; !ok || s.State() == SessionAborted {
		return writeUntracked
	}
	if s.sealed[shard] {
		return writeReplicated
	}
	s.generations[shard]++
	s.writing[shard]++
	return writeCounted
}

func (s *Session) writeDone(shard uint32) {
	s.genMu.Lock()
	s.writing[shard]--
	s.generations[shard]++
	s.genMu.Unlock()
}

func (s *Session) generation(shard uint32) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[shard]
}

// seal marks t's shards as replicated if none was written since its
// snapshot was taken. Otherwise it returns the shards that were.
func (s *Session) seal(t *senderTask) []uint32 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	var changed []uint32
	for _, shard := range t.shards {
		if s.generations[shard] != t.generations[shard] || s.writing[shard] > 0 {
			changed = append(changed, shard)
		}
	}
	if len(changed) > 0 {
		return changed
	}
	for _, shard := range t.shards {
		s.sealed[shard] = true
	}
	return nil
}

// replicate copies one client write on a sealed shard to dest. The caller
// holds wmu. A session that aborted needs no copy: its dest data is dropped.
func (s *Session) replicate(ctx context.Context, shard uint32, key string, value []byte, deleted bool) error {
	if s.State() == SessionAborted {
		return nil
	}
	msg := &transport.Message{
		Kind:       transport.KindReplicate,
		Session:    s.id,
		Task:       s.shardTask[shard],
		OldVersion: s.oldVersion,
		NewVersion: s.newVersion,
		Source:     s.source,
		Dest:       s.dest,
		Shard:      shard,
	}
	if deleted {
		msg.Deletes = []string{key}
	} else {
		msg.Records = []engine.Record{{Key: key, Value: value}}
	}

	_, err := s.m.call(ctx, "replicate/"+s.id, s.dest, msg)
	if err == nil {
		metrics.RecordReplicatedWrite(true)
		return nil
	}
	if s.State() == SessionAborted {
		return nil
	}
	metrics.RecordReplicatedWrite(false)
	s.logger.Warnf("replicate shard %d: %v", shard, err)
	s.Abort(errors.Wrapf(errs.ErrAborted, "replicate shard %d: %v", shard, err))
	return errors.Wrapf(err, "replicate shard %d to %s", shard, s.dest)
}

// issue tracks and sends one request on behalf of owner.
func (s *Session) issue(owner tracker.Deliverer, task int, msg *transport.Message) uint64 {
	id := s.trackLocal(owner, task)
	if err := s.m.transport.Send(s.ctx, id, s.dest, msg); err != nil {
		s.m.tracker.Resolve(id, nil, err)
	}
	return id
}

// trackLocal registers a request resolved by the caller.
func (s *Session) trackLocal(owner tracker.Deliverer, task int) uint64 {
	id := s.m.tracker.NextID()
	s.inflight.Add(1)
	s.m.tracker.Track(tracker.Request{
		ID:       id,
		Session:  s.id,
		Task:     task,
		Deadline: time.Now().Add(s.m.cfg.RequestTimeout),
		Owner:    owner,
	})
	return id
}

func (s *Session) requestDone() {
	if s.inflight.Add(-1) == 0 {
		s.actor.Send(checkMsg{})
	}
}

// Deliver implements tracker.Deliverer for session-level requests.
func (s *Session) Deliver(r tracker.Reply) {
	if r.Err != nil {
		s.logger.Debugf("request %d: %v", r.ID, r.Err)
	}
	s.requestDone()
}

func (s *Session) handle(msg interface{}) {
	switch m := msg.(type) {
	case startMsg:
		if s.abortErr != nil || s.finished {
			break
		}
		s.startedAt = time.Now()
		s.state.Store(int32(SessionRunning))
		metrics.SessionsActive.Inc()
		s.logger.Infof("running %d shards in %d tasks", len(s.shards), len(s.tasks))
		s.startTasks()
	case taskResultMsg:
		s.running--
		if m.err != nil {
			s.logger.Warnf("task %d aborted: %v", m.task, m.err)
			s.abort(m.err)
		} else {
			s.startTasks()
		}
	case sessionAbortMsg:
		s.abort(m.err)
	case drainMsg:
		s.draining = true
		if s.abortErr == nil && !s.finished {
			s.state.Store(int32(SessionDraining))
		}
	case checkMsg:
	}
	s.maybeFinish()
}

func (s *Session) startTasks() {
	for len(s.queue) > 0 && s.running < s.m.cfg.MaxConcurrentTasks && !s.draining && s.abortErr == nil {
		id := s.queue[0]
		s.queue = s.queue[1:]
		s.running++
		t := s.tasks[id]
		t.started = true
		t.actor.Send(startMsg{})
	}
}

func (s *Session) abort(err error) {
	if s.abortErr != nil || s.finished {
		return
	}
	s.abortErr = err
	s.state.Store(int32(SessionDraining))
	s.queue = nil

	cause := errors.Wrapf(errs.ErrAborted, "session %s", s.id)
	for _, t := range s.tasks {
		if t.started {
			t.actor.Send(abortMsg{err: cause})
		}
	}
	if n := s.m.tracker.FailSession(s.id, cause); n > 0 {
		s.logger.Debugf("failed %d outstanding requests", n)
	}
	s.issue(s, wholeSession, &transport.Message{
		Kind:       transport.KindAbort,
		Session:    s.id,
		Task:       wholeSession,
		OldVersion: s.oldVersion,
		NewVersion: s.newVersion,
		Source:     s.source,
		Dest:       s.dest,
		Err:        err.Error(),
	})
}

func (s *Session) maybeFinish() {
	if s.finished || s.State() == SessionPending {
		return
	}
	if s.running > 0 || s.inflight.Load() > 0 {
		return
	}
	if s.abortErr == nil && !s.draining && len(s.queue) > 0 {
		return
	}

	s.finished = true
	switch {
	case s.abortErr != nil:
		s.err = s.abortErr
	case len(s.queue) > 0:
		s.err = errors.Wrapf(errs.ErrAborted, "session %s drained with %d tasks not run", s.id, len(s.queue))
	}
	if s.err != nil {
		s.state.Store(int32(SessionAborted))
		s.logger.Warnf("aborted: %v", s.err)
	} else {
		s.state.Store(int32(SessionComplete))
		s.logger.Infof("complete in %s", time.Since(s.startedAt))
	}
	for _, t := range s.tasks {
		t.actor.Stop()
	}
	if !s.startedAt.IsZero() {
		metrics.SessionsActive.Dec()
	}
	metrics.RecordSession(s.err == nil)
	s.cancel()
	close(s.done)
	s.m.sessionFinished(s)
}
