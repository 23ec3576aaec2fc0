package metrics

import (
	"runtime"
	"time"
)

// Collector collects process metrics on each scrape interval
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	Uptime.Set(time.Since(c.startTime).Seconds())
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

// RecordSession records a finished session
func RecordSession(complete bool) {
	outcome := "complete"
	if !complete {
		outcome = "aborted"
	}
	SessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskTransition records a task entering state
func RecordTaskTransition(role, state string) {
	TaskTransitions.WithLabelValues(role, state).Inc()
}

// RecordForward records a shouldForwardIO decision
func RecordForward(forward bool) {
	decision := "local"
	if forward {
		decision = "forward"
	}
	ForwardDecisions.WithLabelValues(decision).Inc()
}

// RecordReplicatedWrite records a client write copied to a destination
func RecordReplicatedWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	WritesReplicated.WithLabelValues(result).Inc()
}

// RecordRebalance records one driver run
func RecordRebalance(outcome string, duration time.Duration) {
	RebalanceTotal.WithLabelValues(outcome).Inc()
	RebalanceDuration.Observe(duration.Seconds())
}
