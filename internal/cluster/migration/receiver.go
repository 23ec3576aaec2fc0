package migration

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/cluster/actor"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/engine"
	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/transport"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// inbound groups the receiver tasks of one session on the destination.
type inbound struct {
	id         string
	source     string
	newVersion uint64
	target     *placement.Table
	tasks      map[int]*receiverTask
}

type inboundResult struct {
	reply *transport.Message
	err   error
}

type inboundMsg struct {
	msg  *transport.Message
	resp chan inboundResult
}

// receiverTask applies one batch of shards sent by a senderTask. The
// transport handler waits for the actor to process each message, so replies
// leave in the order the actor handled them.
type receiverTask struct {
	id      int
	session string
	target  *placement.Table
	shards  map[uint32]struct{}
	m       *Manager
	actor   *actor.Actor
	logger  logger.Logger

	state ReceiverState
	// applied maps each applied shard to the copy round it came from.
	applied map[uint32]int
	// committed is set once the task reached DONE; read outside the actor.
	committed atomic.Bool
}

func newReceiverTask(m *Manager, in *inbound, id int, shards []uint32) *receiverTask {
	r := &receiverTask{
		id:      id,
		session: in.id,
		target:  in.target,
		shards:  make(map[uint32]struct{}, len(shards)),
		m:       m,
		logger:  m.logger.WithPrefix("receiver " + in.id + ": "),
		applied: make(map[uint32]int),
	}
	for _, s := range shards {
		r.shards[s] = struct{}{}
	}
	r.actor = actor.New(m.pool, r.handle)
	return r
}

// submit hands msg to the actor and waits for its result.
func (r *receiverTask) submit(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	resp := make(chan inboundResult, 1)
	if !r.actor.Send(inboundMsg{msg: msg, resp: resp}) {
		return nil, errors.Wrapf(errs.ErrAborted, "task %d of %s closed", r.id, r.session)
	}
	select {
	case res := <-resp:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *receiverTask) handle(msg interface{}) {
	in, ok := msg.(inboundMsg)
	if !ok {
		return
	}
	reply, err := r.process(in.msg)
	in.resp <- inboundResult{reply: reply, err: err}
}

func (r *receiverTask) process(msg *transport.Message) (*transport.Message, error) {
	var ev Event
	switch msg.Kind {
	case transport.KindBegin:
		ev = Event{Type: EvBegin}
	case transport.KindData:
		if _, ok := r.shards[msg.Shard]; !ok {
			return nil, errors.Wrapf(errs.ErrNotOwner, "shard %d not in task %d", msg.Shard, r.id)
		}
		if round, ok := r.applied[msg.Shard]; ok && round >= msg.Round && !r.state.Terminal() {
			return transport.ReplyTo(msg, nil), nil
		}
		ev = Event{Type: EvData}
	case transport.KindReplicate:
		return r.replicate(msg)
	case transport.KindVerify:
		ev = Event{Type: EvVerifyRequest}
	case transport.KindCommit:
		ev = Event{Type: EvCommit}
	case transport.KindAbort:
		ev = Event{Type: EvAbort, Err: msg.Error()}
	default:
		return nil, errors.Errorf("unexpected %s message", msg.Kind)
	}

	next, effects, err := NextReceiver(r.state, ev)
	if err != nil {
		return nil, err
	}
	if next != r.state {
		r.logger.Debugf("task %d: %s -> %s on %s", r.id, r.state, next, ev.Type)
		metrics.RecordTaskTransition("receiver", next.String())
	}
	r.state = next

	reply := transport.ReplyTo(msg, nil)
	for _, eff := range effects {
		switch eff {
		case EffApply:
			if err := r.apply(msg.Shard, msg.Round, msg.Records); err != nil {
				r.fail(err)
				return nil, err
			}
		case EffReportStats:
			stats, err := r.stats()
			if err != nil {
				r.fail(err)
				return nil, err
			}
			reply.Stats = stats
		case EffDropPartial:
			r.committed.Store(false)
			r.dropPartial()
		case EffFinish:
			r.committed.Store(true)
			r.logger.Debugf("task %d committed %d shards", r.id, len(r.shards))
		}
	}
	return reply, nil
}

func (r *receiverTask) apply(shard uint32, round int, records []engine.Record) error {
	if err := r.m.store.ApplyShard(r.m.ctx, shard, records); err != nil {
		return errors.Wrapf(errs.ErrApplyFailed, "shard %d: %v", shard, err)
	}
	r.applied[shard] = round
	return nil
}

// replicate applies a client write the source made after the task's
// shards were verified.
func (r *receiverTask) replicate(msg *transport.Message) (*transport.Message, error) {
	if r.state != ReceiverVerifiedResponseSent && r.state != ReceiverDone {
		return nil, errors.Wrapf(errs.ErrAborted, "task %d of %s is %s", r.id, r.session, r.state)
	}
	if _, ok := r.shards[msg.Shard]; !ok {
		return nil, errors.Wrapf(errs.ErrNotOwner, "shard %d not in task %d", msg.Shard, r.id)
	}
	for _, rec := range msg.Records {
		if err := r.m.store.Set(r.m.ctx, msg.Shard, rec.Key, rec.Value); err != nil {
			return nil, errors.Wrapf(errs.ErrApplyFailed, "shard %d: %v", msg.Shard, err)
		}
	}
	for _, key := range msg.Deletes {
		if _, err := r.m.store.Del(r.m.ctx, msg.Shard, key); err != nil {
			return nil, errors.Wrapf(errs.ErrApplyFailed, "shard %d: %v", msg.Shard, err)
		}
	}
	return transport.ReplyTo(msg, nil), nil
}

func (r *receiverTask) stats() (map[uint32]engine.Stats, error) {
	out := make(map[uint32]engine.Stats, len(r.shards))
	for shard := range r.shards {
		st, err := r.m.store.ShardStats(r.m.ctx, shard)
		if err != nil {
			return nil, errors.Wrapf(errs.ErrApplyFailed, "stats of shard %d: %v", shard, err)
		}
		out[shard] = st
	}
	return out, nil
}

func (r *receiverTask) fail(err error) {
	next, effects, _ := NextReceiver(r.state, Event{Type: EvFailure, Err: err})
	r.logger.Warnf("task %d: %v", r.id, err)
	metrics.RecordTaskTransition("receiver", next.String())
	r.state = next
	for _, eff := range effects {
		if eff == EffDropPartial {
			r.dropPartial()
		}
	}
}

// dropPartial removes applied shards the node does not own in its current
// table, leaving any pre-existing replica alone.
func (r *receiverTask) dropPartial() {
	for shard := range r.applied {
		r.m.dropIfNotOwned(shard)
	}
	r.applied = make(map[uint32]int)
}

// abortAll aborts every task of the session and drops any applied shard the
// node does not own, including shards of tasks that already committed. The
// source still holds every acknowledged write to those shards.
func (in *inbound) abortAll(m *Manager, cause error) {
	msg := &transport.Message{Kind: transport.KindAbort, Session: in.id, Err: errs.String(cause)}
	for _, t := range in.tasks {
		if _, err := t.submit(m.ctx, msg); err != nil {
			m.logger.Debugf("abort task %d of %s: %v", t.id, in.id, err)
		}
		t.actor.Stop()
	}
	for _, t := range in.tasks {
		<-t.actor.Idle()
		for shard := range t.shards {
			m.dropIfNotOwned(shard)
		}
	}
}
