// Package actor runs single-threaded message handlers on a shared, bounded
// pool of goroutines. An Actor processes its mailbox strictly in arrival
// order with at most one handler call in flight, so handler code needs no
// locking of its own.
package actor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many actors run handlers at the same time.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool returns a pool running at most workers handlers concurrently.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Wait blocks until every actor scheduled on the pool is idle.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Handler processes one message.
type Handler func(msg interface{})

// Actor owns a private FIFO mailbox drained on the pool.
type Actor struct {
	pool    *Pool
	handler Handler

	mu      sync.Mutex
	queue   []interface{}
	running bool
	stopped bool
	idle    chan struct{}
}

func New(pool *Pool, h Handler) *Actor {
	return &Actor{pool: pool, handler: h}
}

// Send enqueues msg. It never blocks on the handler and returns false once
// the actor is stopped.
func (a *Actor) Send(msg interface{}) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.queue = append(a.queue, msg)
	if !a.running {
		a.running = true
		a.pool.wg.Add(1)
		go a.drain()
	}
	return true
}

func (a *Actor) drain() {
	defer a.pool.wg.Done()

	// Acquire with a background context cannot fail.
	_ = a.pool.sem.Acquire(context.Background(), 1)
	defer a.pool.sem.Release(1)

	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			if a.idle != nil {
				close(a.idle)
				a.idle = nil
			}
			a.mu.Unlock()
			return
		}
		msg := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.handler(msg)
	}
}

// Stop rejects further messages. Messages already queued are still handled.
func (a *Actor) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (a *Actor) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Idle returns a channel closed once the mailbox is empty and no handler is
// running.
func (a *Actor) Idle() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if a.idle == nil {
		a.idle = make(chan struct{})
	}
	return a.idle
}
