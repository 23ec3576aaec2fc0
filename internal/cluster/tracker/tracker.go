// Package tracker keeps every outstanding asynchronous request issued during
// migration. Each tracked id leaves the registry exactly once: on its final
// reply, on the first failed reply, when its session aborts, or on timeout.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/metrics"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Reply is the resolution of a tracked request as seen by its owner.
type Reply struct {
	ID      uint64
	Payload interface{}
	Err     error
}

// Deliverer receives the resolution of requests it issued. Deliver must not
// block; actors implement it by enqueueing into their mailbox.
type Deliverer interface {
	Deliver(Reply)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(Reply)

func (f DelivererFunc) Deliver(r Reply) { f(r) }

// Request is the context kept for one outstanding request.
type Request struct {
	ID         uint64
	Session    string
	Task       int
	Dispatched time.Time
	Deadline   time.Time
	Expected   int
	Received   int
	Owner      Deliverer
}

// Tracker is the process-wide registry of outstanding requests.
type Tracker struct {
	mu       sync.Mutex
	requests map[uint64]*Request
	nextID   atomic.Uint64
}

func New() *Tracker {
	return &Tracker{requests: make(map[uint64]*Request)}
}

// NextID returns a fresh request id. Ids are never reused by one Tracker.
func (t *Tracker) NextID() uint64 {
	return t.nextID.Add(1)
}

// Track registers req. It returns false, leaving the registry untouched, if
// the id is already present.
func (t *Tracker) Track(req Request) bool {
	if req.Expected < 1 {
		req.Expected = 1
	}
	if req.Dispatched.IsZero() {
		req.Dispatched = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.requests[req.ID]; dup {
		return false
	}
	r := req
	t.requests[req.ID] = &r
	metrics.TrackedRequests.Set(float64(len(t.requests)))
	return true
}

// Untrack removes and returns the request with id.
func (t *Tracker) Untrack(id uint64) (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[id]
	if !ok {
		return Request{}, errors.Wrapf(errs.ErrNotFound, "request %d", id)
	}
	delete(t.requests, id)
	metrics.TrackedRequests.Set(float64(len(t.requests)))
	return *r, nil
}

// Lookup returns a copy of the request with id.
func (t *Tracker) Lookup(id uint64) (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[id]
	if !ok {
		return Request{}, errors.Wrapf(errs.ErrNotFound, "request %d", id)
	}
	return *r, nil
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// Resolve records one reply for id. A failed reply, or the reply that
// reaches the expected count, removes the request and is delivered to its
// owner. Replies for unknown ids (already timed out or aborted) are dropped;
// the return value reports whether the request reached its resolution.
func (t *Tracker) Resolve(id uint64, payload interface{}, err error) bool {
	t.mu.Lock()
	r, ok := t.requests[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if err == nil {
		r.Received++
		if r.Received < r.Expected {
			t.mu.Unlock()
			return false
		}
	}
	delete(t.requests, id)
	metrics.TrackedRequests.Set(float64(len(t.requests)))
	owner := r.Owner
	t.mu.Unlock()

	if owner != nil {
		owner.Deliver(Reply{ID: id, Payload: payload, Err: err})
	}
	return true
}

// FailSession removes every request issued by session and delivers err to
// each owner. It returns the number of requests removed.
func (t *Tracker) FailSession(session string, err error) int {
	t.mu.Lock()
	var failed []*Request
	for id, r := range t.requests {
		if r.Session == session {
			failed = append(failed, r)
			delete(t.requests, id)
		}
	}
	metrics.TrackedRequests.Set(float64(len(t.requests)))
	t.mu.Unlock()

	for _, r := range failed {
		if r.Owner != nil {
			r.Owner.Deliver(Reply{ID: r.ID, Err: err})
		}
	}
	return len(failed)
}

// SessionLen returns the number of outstanding requests issued by session.
func (t *Tracker) SessionLen(session string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Session == session {
			n++
		}
	}
	return n
}

// Expired removes and returns every request whose deadline is before now.
// Requests without a deadline never expire.
func (t *Tracker) Expired(now time.Time) []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Request
	for id, r := range t.requests {
		if !r.Deadline.IsZero() && r.Deadline.Before(now) {
			out = append(out, *r)
			delete(t.requests, id)
		}
	}
	if len(out) > 0 {
		metrics.TrackedRequests.Set(float64(len(t.requests)))
	}
	return out
}
