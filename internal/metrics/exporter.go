package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	interval  time.Duration
	collector *Collector
	server    *http.Server
	stopCh    chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		interval:  15 * time.Second,
		collector: NewCollector(),
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		stopCh: make(chan struct{}),
	}
}

// Start serves /metrics until Stop is called
func (e *Exporter) Start() error {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stopCh:
				return
			}
		}
	}()

	err := e.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the exporter
func (e *Exporter) Stop(ctx context.Context) error {
	close(e.stopCh)
	return e.server.Shutdown(ctx)
}
