// Package metricsx is the optional Prometheus metrics endpoint carried by
// both binaries: ambient observability, off by default, that never gates
// ingestion correctness.
package metricsx

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the dispatcher and job engine update.
// Registered against a private registry rather than the global default,
// so a process never reports metrics for the other binary's concerns.
type Metrics struct {
	registry *prometheus.Registry

	FilesDispatched  prometheus.Counter
	FilesStale       prometheus.Counter
	UnpackQueueDepth prometheus.Gauge

	JobsProcessed *prometheus.CounterVec
	JobsFatal     prometheus.Counter
	WorkersBusy   prometheus.Gauge
	PoolRestarts  prometheus.Counter
}

// New builds and registers the metric set for one binary, tagged by
// component ("dispatcher" or "jobengine") so both can safely share a
// scrape target if ever colocated.
func New(component string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"component": component}

	return &Metrics{
		registry: reg,
		FilesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gnssingest_files_dispatched_total",
			Help:        "Inbound files successfully classified and handed to the unpack pool.",
			ConstLabels: labels,
		}),
		FilesStale: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gnssingest_files_stale_total",
			Help:        "Inbound files relocated to the stale directory (unrecognized or unknown site).",
			ConstLabels: labels,
		}),
		UnpackQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "gnssingest_unpack_queue_depth",
			Help:        "Requests currently queued for the unpack worker pool.",
			ConstLabels: labels,
		}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "gnssingest_jobs_processed_total",
			Help:        "Job engine outcomes by kind and result.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		JobsFatal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gnssingest_jobs_fatal_total",
			Help:        "Jobs lost to a worker crash.",
			ConstLabels: labels,
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "gnssingest_workers_busy",
			Help:        "Worker processes currently handling a job.",
			ConstLabels: labels,
		}),
		PoolRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gnssingest_pool_restarts_total",
			Help:        "Times the worker pool was torn down and respawned after a fatal crash.",
			ConstLabels: labels,
		}),
	}
}

// Serve starts the /metrics HTTP endpoint on bindAddress in a background
// goroutine, returning immediately. A bind failure is logged, not fatal:
// metrics are observability, never load-bearing for ingestion itself.
func (m *Metrics) Serve(ctx context.Context, bindAddress string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: bindAddress, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Printf("metricsx: serving /metrics on %s", bindAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metricsx: serve %s: %v", bindAddress, err)
		}
	}()
}
