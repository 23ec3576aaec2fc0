package migration

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/actor"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/engine"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/transport"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

type requestKind int

const (
	reqSnapshot requestKind = iota + 1
	reqBegin
	reqData
	reqVerify
	reqCommit
	reqAbort
)

// Sender mailbox messages.
type (
	startMsg struct{}
	replyMsg struct{ tracker.Reply }
	abortMsg struct{ err error }
)

type snapshotResult struct {
	shard uint32
	snap  *engine.Snapshot
}

// senderTask copies one batch of shards to the session's destination. All
// fields except state are owned by the actor.
type senderTask struct {
	id     int
	sess   *Session
	shards []uint32
	actor  *actor.Actor
	// started is owned by the session actor.
	started bool

	// state mirrors cur for readers outside the actor.
	state atomic.Int32
	cur   SenderState

	pending     map[uint64]requestKind
	snapshots   map[uint32]*engine.Snapshot
	generations map[uint32]uint64
	beginAcked  bool
	dataLeft    int
	err         error

	// round counts delta rounds; delta holds the shards the current one re-sends.
	round int
	delta []uint32
}

func newSenderTask(id int, sess *Session, shards []uint32) *senderTask {
	t := &senderTask{
		id:          id,
		sess:        sess,
		shards:      shards,
		pending:     make(map[uint64]requestKind),
		snapshots:   make(map[uint32]*engine.Snapshot),
		generations: make(map[uint32]uint64),
	}
	t.actor = actor.New(sess.m.pool, t.handle)
	return t
}

// State returns the last published state; safe from any goroutine.
func (t *senderTask) State() SenderState {
	return SenderState(t.state.Load())
}

// Deliver implements tracker.Deliverer.
func (t *senderTask) Deliver(r tracker.Reply) {
	if !t.actor.Send(replyMsg{r}) {
		t.sess.requestDone()
	}
}

func (t *senderTask) handle(msg interface{}) {
	switch m := msg.(type) {
	case startMsg:
		t.fire(Event{Type: EvStart})
	case abortMsg:
		t.fire(Event{Type: EvAbort, Err: m.err})
	case replyMsg:
		t.onReply(m.Reply)
		t.sess.requestDone()
	}
}

func (t *senderTask) fire(ev Event) {
	next, effects, err := NextSender(t.cur, ev)
	if err != nil {
		t.sess.logger.Warnf("task %d: %v", t.id, err)
		next, effects, _ = NextSender(t.cur, Event{Type: EvFailure, Err: err})
		ev.Err = err
	}
	if ev.Err != nil && t.err == nil {
		t.err = ev.Err
	}
	if next != t.cur {
		t.sess.logger.Debugf("task %d: %s -> %s on %s", t.id, t.cur, next, ev.Type)
		metrics.RecordTaskTransition("sender", next.String())
	}
	t.cur = next
	t.state.Store(int32(next))

	for _, eff := range effects {
		t.run(eff)
	}
}

func (t *senderTask) run(eff Effect) {
	s := t.sess
	switch eff {
	case EffTakeSnapshot:
		for _, shard := range t.roundShards() {
			delete(t.snapshots, shard)
			t.generations[shard] = s.generation(shard)
			id := s.trackLocal(t, t.id)
			t.pending[id] = reqSnapshot
			go t.snapshot(id, shard)
		}

	case EffSendBegin:
		t.send(reqBegin, &transport.Message{Kind: transport.KindBegin, Shards: t.shards, Table: s.targetData})

	case EffSendData:
		shards := t.roundShards()
		t.dataLeft = len(shards)
		for _, shard := range shards {
			snap := t.snapshots[shard]
			metrics.RecordsTransferred.Add(float64(snap.Count()))
			t.send(reqData, &transport.Message{Kind: transport.KindData, Shard: shard, Records: snap.Records, Round: t.round})
		}

	case EffSendVerify:
		t.send(reqVerify, &transport.Message{Kind: transport.KindVerify, Shards: t.shards})

	case EffSendCommit:
		t.send(reqCommit, &transport.Message{Kind: transport.KindCommit, Shards: t.shards})

	case EffNotifyPeerAbort:
		t.send(reqAbort, &transport.Message{Kind: transport.KindAbort, Shards: t.shards, Err: errs.String(t.err)})

	case EffRelease:
		t.snapshots = nil

	case EffReportDone:
		metrics.ShardsMoved.Add(float64(len(t.shards)))
		s.actor.Send(taskResultMsg{task: t.id})

	case EffReportFailed:
		err := t.err
		if err == nil {
			err = errs.ErrAborted
		}
		s.actor.Send(taskResultMsg{task: t.id, err: err})
	}
}

func (t *senderTask) snapshot(id uint64, shard uint32) {
	s := t.sess
	snap, err := s.m.store.SnapshotShard(s.ctx, shard)
	if err != nil {
		err = errors.Wrapf(errs.ErrSnapshotFailed, "shard %d: %v", shard, err)
	}
	s.m.tracker.Resolve(id, snapshotResult{shard: shard, snap: snap}, err)
}

func (t *senderTask) send(kind requestKind, msg *transport.Message) {
	s := t.sess
	msg.Session = s.id
	msg.Task = t.id
	msg.OldVersion = s.oldVersion
	msg.NewVersion = s.newVersion
	msg.Source = s.source
	msg.Dest = s.dest
	id := s.issue(t, t.id, msg)
	t.pending[id] = kind
}

func (t *senderTask) onReply(r tracker.Reply) {
	kind, ok := t.pending[r.ID]
	if !ok {
		return
	}
	delete(t.pending, r.ID)
	if t.cur.Terminal() {
		return
	}
	if r.Err != nil {
		t.fire(Event{Type: EvFailure, Err: r.Err})
		return
	}

	switch kind {
	case reqSnapshot:
		res := r.Payload.(snapshotResult)
		t.snapshots[res.shard] = res.snap
		t.maybeSnapshotComplete()

	case reqBegin:
		t.beginAcked = true
		t.maybeSnapshotComplete()

	case reqData:
		t.dataLeft--
		if t.dataLeft == 0 {
			t.fire(Event{Type: EvAllAcked})
		}

	case reqVerify:
		reply, _ := r.Payload.(*transport.Message)
		if err := t.verify(reply); err != nil {
			t.fire(Event{Type: EvMismatch, Err: err})
			return
		}
		t.afterVerify()

	case reqCommit:
		t.fire(Event{Type: EvConfirmed})
	}
}

// afterVerify seals the task's shards, or starts a delta round for the
// shards written while they were copied.
func (t *senderTask) afterVerify() {
	changed := t.sess.seal(t)
	if len(changed) == 0 {
		t.fire(Event{Type: EvVerified})
		return
	}
	if t.round >= t.sess.m.cfg.MaxDeltaRounds {
		err := errors.Wrapf(errs.ErrVerificationMismatch, "shards %v still written after %d delta rounds", changed, t.round)
		t.fire(Event{Type: EvMismatch, Err: err})
		return
	}
	t.round++
	t.delta = changed
	metrics.DeltaRounds.Inc()
	t.sess.logger.Debugf("task %d: delta round %d for shards %v", t.id, t.round, changed)
	t.fire(Event{Type: EvDelta})
}

func (t *senderTask) roundShards() []uint32 {
	if t.round == 0 {
		return t.shards
	}
	return t.delta
}

func (t *senderTask) maybeSnapshotComplete() {
	if t.beginAcked && len(t.snapshots) == len(t.shards) {
		t.fire(Event{Type: EvSnapshotComplete})
	}
}

// verify compares the receiver's per-shard stats with the snapshots.
func (t *senderTask) verify(reply *transport.Message) error {
	if reply == nil {
		return errors.Wrap(errs.ErrVerificationMismatch, "empty verify reply")
	}
	for _, shard := range t.shards {
		snap := t.snapshots[shard]
		want := engine.Stats{Count: snap.Count(), Digest: snap.Digest()}
		got, ok := reply.Stats[shard]
		if !ok {
			return errors.Wrapf(errs.ErrVerificationMismatch, "shard %d missing from reply", shard)
		}
		if got != want {
			return errors.Wrapf(errs.ErrVerificationMismatch, "shard %d: count %d/%d digest %x/%x",
				shard, got.Count, want.Count, got.Digest, want.Digest)
		}
	}
	return nil
}
