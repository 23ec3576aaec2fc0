// Package rebalance drives a cluster from one placement table to the next.
// It owns no protocol logic: it builds the candidate table, asks every
// source node to run one migration session per node pair, and publishes the
// table only once every session reported COMPLETE.
package rebalance

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/migration"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/state"
	"github.com/10yihang/shardmigrate/internal/cluster/topology"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/transport"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
)

// Config configures the driver.
type Config struct {
	// Width is log2 of the shard count (default: 8)
	Width uint
	// Depth is the replica count per shard (default: 1)
	Depth int
	// Algorithm places shards on members (default: consistent hash)
	Algorithm placement.Algorithm
	// MaxRetries bounds how often a failed node pair is retried (default: 3)
	MaxRetries int
	// SessionTimeout bounds one open-session round trip (default: 5m)
	SessionTimeout time.Duration
	// PublishTimeout bounds one publish or discard round trip (default: 10s)
	PublishTimeout time.Duration
	// PublishRetries bounds how often a publish or discard is re-sent to
	// members that missed it (default: 3)
	PublishRetries int
	// PublishBackoff is the first delay between those retries; it doubles
	// each time (default: 200ms)
	PublishBackoff time.Duration
	// MaxParallelSessions caps concurrently running node pairs (default: 8)
	MaxParallelSessions int
}

func DefaultConfig() *Config {
	return &Config{
		Width:               8,
		Depth:               1,
		Algorithm:           &placement.ConsistentHash{},
		MaxRetries:          3,
		SessionTimeout:      5 * time.Minute,
		PublishTimeout:      10 * time.Second,
		PublishRetries:      3,
		PublishBackoff:      200 * time.Millisecond,
		MaxParallelSessions: 8,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Depth < 1 {
		out.Depth = d.Depth
	}
	if out.Algorithm == nil {
		out.Algorithm = d.Algorithm
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = d.SessionTimeout
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = d.PublishTimeout
	}
	if out.PublishRetries < 0 {
		out.PublishRetries = 0
	}
	if out.PublishBackoff <= 0 {
		out.PublishBackoff = d.PublishBackoff
	}
	if out.MaxParallelSessions < 1 {
		out.MaxParallelSessions = d.MaxParallelSessions
	}
	return &out
}

// Status describes the last rebalance run.
type Status struct {
	Running     bool
	Version     uint64
	Target      uint64
	LastOutcome string
	LastError   string
	LastRun     time.Time
	Sessions    int
	Retries     int
}

// Driver runs rebalances for one cluster. Only one rebalance runs at a time.
type Driver struct {
	cfg       *Config
	cluster   *cluster.Cluster
	holder    *placement.Holder
	transport transport.Transport
	tracker   *tracker.Tracker
	logger    logger.Logger

	source cluster.MembershipSource
	state  *state.StateManager
	mgr    *migration.Manager

	trigger chan struct{}
	// attempts numbers sessions across runs so a retried table version never
	// reuses a session id.
	attempts atomic.Int64

	mu      sync.Mutex
	running bool
	next    *placement.Table
	status  Status
}

// NewDriver wires a driver. trk must be the tracker that receives tr's
// replies; a co-located migration manager's tracker is the usual choice.
func NewDriver(cfg *Config, c *cluster.Cluster, holder *placement.Holder, tr transport.Transport,
	trk *tracker.Tracker, log logger.Logger) *Driver {
	if log == nil {
		log = logger.NopLogger
	}
	d := &Driver{
		cfg:       cfg.withDefaults(),
		cluster:   c,
		holder:    holder,
		transport: tr,
		tracker:   trk,
		logger:    log.WithPrefix("rebalance: "),
		trigger:   make(chan struct{}, 1),
	}
	c.OnChange(func(old, new *cluster.Membership) { d.Trigger() })
	return d
}

// SetMembershipSource lets the driver refresh membership when a session
// names a node the current snapshot does not know.
func (d *Driver) SetMembershipSource(src cluster.MembershipSource) {
	d.source = src
}

// SetStateManager persists tables through sm and registers the driver as
// its provider.
func (d *Driver) SetStateManager(sm *state.StateManager) {
	d.state = sm
	sm.SetProvider(d)
}

// SetManager records the co-located migration manager so its sessions are
// included in persisted state.
func (d *Driver) SetManager(m *migration.Manager) {
	d.mgr = m
}

// Trigger schedules a rebalance on the Run loop. Triggers coalesce.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run rebalances on every membership change until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.trigger:
			if _, err := d.Rebalance(ctx); err != nil && !errors.Is(err, errs.ErrRebalanceInProgress) {
				d.logger.Errorf("%v", err)
			}
		}
	}
}

// Status returns a copy of the driver status.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.status
	st.Running = d.running
	st.Version = d.holder.Version()
	if d.next != nil {
		st.Target = d.next.Version()
	}
	return st
}

// Rebalance moves the cluster to a table built from the current membership
// and returns the authoritative table afterwards. On failure the previous
// table stays authoritative and the error wraps ErrRebalanceFailed or the
// placement error that stopped the attempt.
func (d *Driver) Rebalance(ctx context.Context) (*placement.Table, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, errs.ErrRebalanceInProgress
	}
	d.running = true
	d.status = Status{LastRun: time.Now()}
	d.mu.Unlock()

	start := time.Now()
	t, outcome, err := d.rebalance(ctx)
	metrics.RecordRebalance(outcome, time.Since(start))

	d.mu.Lock()
	d.running = false
	d.next = nil
	d.status.LastOutcome = outcome
	d.status.LastError = errs.String(err)
	d.mu.Unlock()
	d.markDirty()
	return t, err
}

func (d *Driver) rebalance(ctx context.Context) (*placement.Table, string, error) {
	members := d.cluster.Membership()
	old := d.holder.Current()
	if old != nil && old.Width() != d.cfg.Width {
		return old, OutcomeFailed, errors.Wrapf(errs.ErrInvalidWidth, "table v%d has width %d, configured %d",
			old.Version(), old.Width(), d.cfg.Width)
	}

	next, err := placement.Build(members.Members(), d.cfg.Width, d.cfg.Depth, d.cfg.Algorithm,
		placement.WithPrevious(old))
	if err != nil {
		return old, OutcomeFailed, errors.Wrap(err, "build placement table")
	}
	if old != nil && next.SameLayout(old) {
		d.logger.Debugf("membership v%d leaves table v%d unchanged", members.Version(), old.Version())
		return old, OutcomeNoop, nil
	}

	d.mu.Lock()
	d.next = next
	d.mu.Unlock()
	d.markDirty()

	if old == nil {
		d.logger.Infof("bootstrapping table v%d on %d members", next.Version(), len(members.Up()))
	} else {
		plan := topology.BuildPlan(old, next, members)
		if len(plan.Orphans) > 0 {
			d.logger.Warnf("v%d: no up source for shards %v", next.Version(), plan.Orphans)
		}
		d.logger.Infof("v%d -> v%d: %d sessions", old.Version(), next.Version(), len(plan.Transfers))
		if err := d.migrate(ctx, old, next, plan.Transfers); err != nil {
			d.discard(next)
			return old, OutcomeFailed, err
		}
	}

	d.publish(ctx, next)
	return next, OutcomePublished, nil
}

// migrate runs one session per transfer and returns the first pair that
// kept failing.
func (d *Driver) migrate(ctx context.Context, old, next *placement.Table, transfers []topology.Transfer) error {
	d.mu.Lock()
	d.status.Sessions = len(transfers)
	d.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallelSessions)
	for _, tr := range transfers {
		tr := tr
		g.Go(func() error {
			return d.runPair(ctx, old, next, tr)
		})
	}
	return g.Wait()
}

func (d *Driver) runPair(ctx context.Context, old, next *placement.Table, tr topology.Transfer) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RebalanceRetries.Inc()
			d.mu.Lock()
			d.status.Retries++
			d.mu.Unlock()
			d.logger.Warnf("%s->%s: retry %d after %v", tr.Source, tr.Dest, attempt, lastErr)
		}

		id := migration.SessionID(old.Version(), next.Version(), tr.Source, tr.Dest, int(d.attempts.Add(1)-1))
		err := d.openSession(ctx, id, old, next, tr)
		if err == nil {
			d.logger.Infof("session %s complete, %d shards", id, len(tr.Shards))
			return nil
		}
		lastErr = err

		if errors.Is(err, errs.ErrUnknownNode) {
			d.refreshMembership()
		}
		if !errs.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return errors.Wrapf(errs.ErrRebalanceFailed, "%s->%s: %v", tr.Source, tr.Dest, lastErr)
}

// openSession asks the source to run session id and waits for its outcome.
func (d *Driver) openSession(ctx context.Context, id string, old, next *placement.Table, tr topology.Transfer) error {
	data := next.Data()
	msg := &transport.Message{
		Kind:       transport.KindOpenSession,
		Session:    id,
		OldVersion: old.Version(),
		NewVersion: next.Version(),
		Source:     tr.Source,
		Dest:       tr.Dest,
		Shards:     tr.Shards,
		Table:      &data,
	}
	// The session's own requests are failed in bulk on abort; the driver's
	// wait must outlive that, so it is tracked under a separate key.
	r := d.call(ctx, "rebalance/"+id, tr.Source, msg, d.cfg.SessionTimeout)
	return r.Err
}

func (d *Driver) call(ctx context.Context, key, to string, msg *transport.Message, timeout time.Duration) tracker.Reply {
	done := make(chan tracker.Reply, 1)
	id := d.tracker.NextID()
	d.tracker.Track(tracker.Request{
		ID:       id,
		Session:  key,
		Deadline: time.Now().Add(timeout),
		Owner:    tracker.DelivererFunc(func(r tracker.Reply) { done <- r }),
	})

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err := d.transport.Send(sendCtx, id, to, msg)
	cancel()
	if err != nil {
		d.tracker.Resolve(id, nil, err)
	}

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		d.tracker.Untrack(id)
		return tracker.Reply{ID: id, Err: ctx.Err()}
	}
}

// publish installs next on every UP member and on the local holder, then
// releases the previous table. Members that miss the broadcast are retried
// with backoff.
func (d *Driver) publish(ctx context.Context, next *placement.Table) {
	data := next.Data()
	up := d.cluster.Membership().Up()
	msg := &transport.Message{Kind: transport.KindPublish, NewVersion: next.Version(), Table: &data}
	if missed := d.broadcast(ctx, msg, up); len(missed) > 0 {
		d.logger.Errorf("publish v%d: %v never acknowledged it", next.Version(), missed)
	}

	if err := d.holder.Publish(next); err != nil {
		d.logger.Warnf("publish v%d locally: %v", next.Version(), err)
	}
	d.holder.Release()
	metrics.PlacementVersion.Set(float64(next.Version()))
	d.logger.Infof("table v%d published to %d members", next.Version(), len(up))
}

// discard tells every UP member to drop the sessions that led to next,
// which will not be published.
func (d *Driver) discard(next *placement.Table) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.cfg.PublishRetries+1)*d.cfg.PublishTimeout)
	defer cancel()
	msg := &transport.Message{Kind: transport.KindDiscard, NewVersion: next.Version()}
	if missed := d.broadcast(ctx, msg, d.cluster.Membership().Up()); len(missed) > 0 {
		d.logger.Warnf("discard v%d: %v never acknowledged it", next.Version(), missed)
		return
	}
	d.logger.Infof("table v%d discarded", next.Version())
}

// broadcast sends msg to every member, re-sending to those that failed
// until all acknowledged or the retries ran out. It returns the members
// that never acknowledged.
func (d *Driver) broadcast(ctx context.Context, msg *transport.Message, members []cluster.Member) []string {
	pending := make([]string, 0, len(members))
	for _, m := range members {
		pending = append(pending, m.ID)
	}
	backoff := wait.Backoff{
		Duration: d.cfg.PublishBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    d.cfg.PublishRetries + 1,
	}
	round := 0
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if round > 0 {
			d.logger.Infof("%s v%d: retry %d for %v", msg.Kind, msg.NewVersion, round, pending)
		}
		round++
		pending = d.sendAll(ctx, msg, pending)
		return len(pending) == 0, nil
	})
	if err != nil && len(pending) > 0 {
		d.logger.Debugf("%s v%d: %v", msg.Kind, msg.NewVersion, err)
	}
	return pending
}

// sendAll sends msg to every id in parallel and returns the ids that failed.
func (d *Driver) sendAll(ctx context.Context, msg *transport.Message, ids []string) []string {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := msg.Kind.String() + "/" + id
			if r := d.call(ctx, key, id, msg, d.cfg.PublishTimeout); r.Err != nil {
				d.logger.Warnf("%s v%d to %s: %v", msg.Kind, msg.NewVersion, id, r.Err)
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	sort.Strings(failed)
	return failed
}

func (d *Driver) refreshMembership() {
	if d.source == nil {
		return
	}
	m, err := d.cluster.Refresh(d.source)
	if err != nil {
		d.logger.Warnf("refresh membership: %v", err)
		return
	}
	d.logger.Infof("membership refreshed to v%d", m.Version())
}

func (d *Driver) markDirty() {
	if d.state != nil {
		d.state.MarkDirty()
	}
}

// SnapshotState implements state.Provider.
func (d *Driver) SnapshotState() *state.PersistentState {
	members := d.cluster.Membership()
	d.mu.Lock()
	next := d.next
	d.mu.Unlock()

	st := &state.PersistentState{
		Version:           state.CurrentStateVersion,
		NodeID:            d.cluster.NodeID(),
		MembershipVersion: members.Version(),
		Members:           state.MemberInfos(members),
		Current:           state.TableData(d.holder.Current()),
		Previous:          state.TableData(d.holder.Previous()),
		Next:              state.TableData(next),
	}
	if d.mgr != nil {
		for _, s := range d.mgr.Sessions() {
			if st.Sessions == nil {
				st.Sessions = make(map[string]state.SessionInfo)
			}
			st.Sessions[s.ID()] = state.SessionInfo{
				Source:     s.Source(),
				Dest:       s.Dest(),
				OldVersion: s.OldVersion(),
				NewVersion: s.NewVersion(),
				Shards:     s.Shards(),
				State:      s.State().String(),
			}
		}
	}
	return st
}

// RestoreState implements state.Provider. The persisted current table is
// authoritative; a candidate table left from an interrupted rebalance is
// discarded because it was never published.
func (d *Driver) RestoreState(st *state.PersistentState) error {
	if len(st.Members) > 0 {
		d.cluster.UpdateMembership(st.Membership())
	}
	cur, err := state.Table(st.Current)
	if err != nil {
		return errors.Wrap(err, "restore current table")
	}
	if cur != nil && cur.Version() > d.holder.Version() {
		if err := d.holder.Publish(cur); err != nil {
			return err
		}
		metrics.PlacementVersion.Set(float64(cur.Version()))
	}
	if st.Next != nil {
		d.logger.Warnf("discarding unpublished table v%d", st.Next.Version)
	}
	for id, s := range st.Sessions {
		d.logger.Infof("session %s was %s when state was saved", id, s.State)
	}
	return nil
}
