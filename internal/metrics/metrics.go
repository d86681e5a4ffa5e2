// Package metrics exposes ingest events and scheduler statistics to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

const namespace = "ingestor"

// Collector counts ingest events. Register it as a manager listener.
type Collector struct {
	events  *prometheus.CounterVec
	files   prometheus.Counter
	jobs    *prometheus.CounterVec
	running prometheus.Gauge
}

// New registers the ingest metrics in reg. stats is polled on every scrape.
func New(reg prometheus.Registerer, stats func() ingest.TaskStats) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of ingest events by type",
		}, []string{"type"}),
		files: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Number of files all file modules finished with",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Number of finished ingest jobs by cancellation reason",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Number of started ingest jobs that did not finish yet",
		}),
	}

	collectors := []prometheus.Collector{c.events, c.files, c.jobs, c.running}
	if stats != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks_queued",
				Help:        "Number of queued ingest tasks",
				ConstLabels: prometheus.Labels{"kind": ingest.TaskDataSource.String()},
			}, func() float64 { return float64(stats().DataSourceQueued) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks_queued",
				Help:        "Number of queued ingest tasks",
				ConstLabels: prometheus.Labels{"kind": ingest.TaskFile.String()},
			}, func() float64 { return float64(stats().FileQueued) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Number of ingest tasks workers are running",
			}, func() float64 { return float64(stats().Running) }),
		)
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) HandleEvent(_ context.Context, e ingest.Event) {
	c.events.WithLabelValues(e.Type.String()).Inc()
	switch e.Type {
	case ingest.EventJobStarted:
		c.running.Inc()
	case ingest.EventFileDone:
		c.files.Inc()
	case ingest.EventJobCompleted, ingest.EventJobCancelled:
		c.running.Dec()
		c.jobs.WithLabelValues(e.Reason.Key()).Inc()
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, g)
}

func ServeListener(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "serving metrics", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
