package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

type recorder struct {
	mu      sync.Mutex
	replies []Reply
}

func (r *recorder) Deliver(rep Reply) {
	r.mu.Lock()
	r.replies = append(r.replies, rep)
	r.mu.Unlock()
}

func (r *recorder) all() []Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reply(nil), r.replies...)
}

func TestTracker_TrackDuplicate(t *testing.T) {
	tr := New()

	if !tr.Track(Request{ID: 1, Session: "s", Task: 3}) {
		t.Fatal("first Track should succeed")
	}
	if tr.Track(Request{ID: 1, Session: "other"}) {
		t.Fatal("duplicate Track should fail")
	}

	r, err := tr.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if r.Session != "s" || r.Task != 3 {
		t.Errorf("duplicate overwrote entry: %+v", r)
	}
	if r.Expected != 1 || r.Dispatched.IsZero() {
		t.Errorf("defaults not applied: %+v", r)
	}
}

func TestTracker_UntrackUnknown(t *testing.T) {
	tr := New()
	tr.Track(Request{ID: 1, Session: "s"})
	tr.Track(Request{ID: 2, Session: "s", Expected: 3})

	if _, err := tr.Untrack(99); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("Len changed: got %d, want 2", tr.Len())
	}
	r, err := tr.Lookup(2)
	if err != nil || r.Expected != 3 || r.Received != 0 {
		t.Errorf("entry 2 altered: %+v %v", r, err)
	}
}

func TestTracker_UntrackOnce(t *testing.T) {
	tr := New()
	tr.Track(Request{ID: 5})

	if _, err := tr.Untrack(5); err != nil {
		t.Fatalf("Untrack failed: %v", err)
	}
	if _, err := tr.Untrack(5); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second Untrack: expected ErrNotFound, got %v", err)
	}
	if _, err := tr.Lookup(5); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Lookup after Untrack: expected ErrNotFound, got %v", err)
	}
}

func TestTracker_ResolveQuorum(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.Track(Request{ID: 1, Expected: 3, Owner: rec})

	if tr.Resolve(1, "a", nil) || tr.Resolve(1, "b", nil) {
		t.Fatal("request resolved before quorum")
	}
	if r, _ := tr.Lookup(1); r.Received != 2 {
		t.Errorf("received: got %d, want 2", r.Received)
	}
	if !tr.Resolve(1, "c", nil) {
		t.Fatal("request should resolve at quorum")
	}
	if tr.Resolve(1, "late", nil) {
		t.Fatal("late reply should be dropped")
	}

	got := rec.all()
	if len(got) != 1 || got[0].Payload != "c" || got[0].Err != nil {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if tr.Len() != 0 {
		t.Errorf("tracker not empty: %d", tr.Len())
	}
}

func TestTracker_ResolveFailureShortCircuits(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.Track(Request{ID: 1, Expected: 2, Owner: rec})

	boom := errors.New("boom")
	if !tr.Resolve(1, nil, boom) {
		t.Fatal("failed reply should resolve the request")
	}
	got := rec.all()
	if len(got) != 1 || !errors.Is(got[0].Err, boom) {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}

func TestTracker_FailSession(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.Track(Request{ID: 1, Session: "s1", Owner: rec})
	tr.Track(Request{ID: 2, Session: "s1", Owner: rec})
	tr.Track(Request{ID: 3, Session: "s2", Owner: rec})

	if n := tr.SessionLen("s1"); n != 2 {
		t.Fatalf("SessionLen: got %d, want 2", n)
	}
	if n := tr.FailSession("s1", errs.ErrAborted); n != 2 {
		t.Fatalf("FailSession removed %d, want 2", n)
	}
	if _, err := tr.Lookup(3); err != nil {
		t.Fatalf("other session's request removed: %v", err)
	}
	for _, r := range rec.all() {
		if !errors.Is(r.Err, errs.ErrAborted) {
			t.Errorf("expected ErrAborted, got %v", r.Err)
		}
	}
	if tr.Resolve(1, nil, nil) {
		t.Error("reply after abort should be dropped")
	}
}

func TestTracker_NextIDUnique(t *testing.T) {
	tr := New()
	seen := make(map[uint64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := tr.NextID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
				if !tr.Track(Request{ID: id}) {
					t.Errorf("id %d tracked twice", id)
				}
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 || tr.Len() != 800 {
		t.Errorf("got %d ids, %d tracked", len(seen), tr.Len())
	}
}

func TestWatchdog_SweepTimesOutOnce(t *testing.T) {
	tr := New()
	rec := &recorder{}
	now := time.Now()
	tr.Track(Request{ID: 1, Session: "s", Deadline: now.Add(-time.Second), Owner: rec})
	tr.Track(Request{ID: 2, Session: "s", Deadline: now.Add(time.Hour), Owner: rec})
	tr.Track(Request{ID: 3, Session: "s", Owner: rec})

	w := NewWatchdog(tr, time.Hour, nil)
	if n := w.Sweep(now); n != 1 {
		t.Fatalf("Sweep expired %d, want 1", n)
	}
	if n := w.Sweep(now); n != 0 {
		t.Fatalf("second Sweep expired %d, want 0", n)
	}
	if tr.Resolve(1, nil, nil) {
		t.Fatal("reply after timeout should be dropped")
	}

	got := rec.all()
	if len(got) != 1 || got[0].ID != 1 || !errors.Is(got[0].Err, errs.ErrRequestTimeout) {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if tr.Len() != 2 {
		t.Errorf("Len: got %d, want 2", tr.Len())
	}
}

func TestWatchdog_Loop(t *testing.T) {
	tr := New()
	done := make(chan Reply, 1)
	tr.Track(Request{
		ID:       7,
		Deadline: time.Now().Add(20 * time.Millisecond),
		Owner:    DelivererFunc(func(r Reply) { done <- r }),
	})

	w := NewWatchdog(tr, 5*time.Millisecond, nil)
	w.Start()
	defer w.Stop()

	select {
	case r := <-done:
		if !errors.Is(r.Err, errs.ErrRequestTimeout) {
			t.Fatalf("expected timeout, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	w.Stop()
}
