package actor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestActor_FIFO(t *testing.T) {
	pool := NewPool(4)
	var got []int
	a := New(pool, func(msg interface{}) {
		got = append(got, msg.(int))
	})

	for i := 0; i < 1000; i++ {
		if !a.Send(i) {
			t.Fatalf("Send %d rejected", i)
		}
	}
	pool.Wait()

	if len(got) != 1000 {
		t.Fatalf("handled %d messages, want 1000", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("message %d out of order: %d", i, v)
		}
	}
}

func TestActor_OneHandlerAtATime(t *testing.T) {
	pool := NewPool(8)
	var active, maxActive atomic.Int32
	a := New(pool, func(msg interface{}) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				a.Send(i)
			}
		}()
	}
	wg.Wait()
	pool.Wait()

	if maxActive.Load() != 1 {
		t.Fatalf("handler ran concurrently: max %d", maxActive.Load())
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	var active, maxActive atomic.Int32
	handler := func(msg interface{}) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
	}

	for i := 0; i < 6; i++ {
		New(pool, handler).Send(i)
	}
	pool.Wait()

	if maxActive.Load() > 2 {
		t.Fatalf("pool exceeded bound: %d", maxActive.Load())
	}
}

func TestActor_StopRejectsSends(t *testing.T) {
	pool := NewPool(1)
	var handled atomic.Int32
	a := New(pool, func(interface{}) { handled.Add(1) })

	a.Send(1)
	a.Stop()
	if a.Send(2) {
		t.Fatal("Send after Stop should be rejected")
	}
	if !a.Stopped() {
		t.Fatal("Stopped should report true")
	}
	<-a.Idle()
	pool.Wait()
	if handled.Load() != 1 {
		t.Fatalf("handled %d, want 1", handled.Load())
	}
}

func TestActor_SendFromHandler(t *testing.T) {
	pool := NewPool(1)
	var got []int
	var a *Actor
	a = New(pool, func(msg interface{}) {
		n := msg.(int)
		got = append(got, n)
		if n < 3 {
			a.Send(n + 1)
		}
	})

	a.Send(0)
	pool.Wait()

	if len(got) != 4 || got[3] != 3 {
		t.Fatalf("unexpected sequence: %v", got)
	}
}
