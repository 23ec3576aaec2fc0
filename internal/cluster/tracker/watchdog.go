package tracker

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	errs "github.com/10yihang/shardmigrate/pkg/errors"
)

// Watchdog periodically fails tracked requests past their deadline with
// ErrRequestTimeout. No caller ever blocks waiting for a reply.
type Watchdog struct {
	tracker  *Tracker
	interval time.Duration
	logger   logger.Logger

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewWatchdog(t *Tracker, interval time.Duration, log logger.Logger) *Watchdog {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = logger.NopLogger
	}
	return &Watchdog{
		tracker:  t,
		interval: interval,
		logger:   log.WithPrefix("watchdog: "),
		stopCh:   make(chan struct{}),
	}
}

func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}

// Sweep expires requests against now and returns how many timed out.
func (w *Watchdog) Sweep(now time.Time) int {
	expired := w.tracker.Expired(now)
	for _, r := range expired {
		w.logger.Warnf("request %d of session %s task %d timed out after %v",
			r.ID, r.Session, r.Task, now.Sub(r.Dispatched))
		metrics.RequestTimeouts.Inc()
		if r.Owner != nil {
			r.Owner.Deliver(Reply{
				ID:  r.ID,
				Err: errors.Wrapf(errs.ErrRequestTimeout, "request %d", r.ID),
			})
		}
	}
	return len(expired)
}
