// Package metrics exports dispatcher activity as Prometheus metrics.
//
// A Recorder owns its own registry so that several dispatchers, or
// several tests, never collide on metric registration.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/sift/internal/engine"
)

// Recorder collects dispatcher metrics.
type Recorder struct {
	registry *prometheus.Registry

	commits  prometheus.Counter
	aborts   prometheus.Counter
	queued   prometheus.Counter
	depth    prometheus.Gauge
	drops    prometheus.Counter
	effects  *prometheus.CounterVec
	errors   prometheus.Counter
	chain    prometheus.Gauge
	seq      prometheus.Gauge
	duration prometheus.Histogram
}

// New creates a Recorder. With runtime set, Go runtime and process
// collectors are registered as well.
func New(runtime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_commits_total",
			Help: "Total number of committed transactions",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_aborts_total",
			Help: "Total number of aborted transactions",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_queued_batches_total",
			Help: "Total number of batches queued behind an in-flight transaction",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sift_queue_depth",
			Help: "Queue depth observed at the last queued batch",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_dropped_values_total",
			Help: "Total number of malformed extension or transition results dropped",
		}),
		effects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_effects_total",
			Help: "Total number of effects run",
		}, []string{"mode", "result"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_errors_total",
			Help: "Total number of errors with no caller to return to",
		}),
		chain: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sift_chain_length",
			Help: "Number of registered extensions",
		}),
		seq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sift_seq",
			Help: "Sequence number of the current snapshot",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_transaction_duration_seconds",
			Help:    "Time from transaction start to commit",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	r.registry.MustRegister(
		r.commits, r.aborts, r.queued, r.depth, r.drops,
		r.effects, r.errors, r.chain, r.seq, r.duration,
	)
	if runtime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry returns the registry the Recorder's metrics live in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Hooks returns dispatcher hooks that feed the Recorder.
func (r *Recorder) Hooks() engine.Hooks {
	return engine.Hooks{
		OnCommit: func(_ context.Context, ev engine.CommitEvent) {
			r.commits.Inc()
			r.seq.Set(float64(ev.Seq))
			r.chain.Set(float64(ev.Chain))
			r.duration.Observe(ev.Duration.Seconds())
		},
		OnAbort: func(context.Context, int64, error) {
			r.aborts.Inc()
		},
		OnQueue: func(_ context.Context, _ []any, depth int) {
			r.queued.Inc()
			r.depth.Set(float64(depth))
		},
		OnDrop: func(context.Context, any) {
			r.drops.Inc()
		},
		OnEffect: func(_ context.Context, async bool, err error) {
			mode, result := "sync", "ok"
			if async {
				mode = "async"
			}
			if err != nil {
				result = "error"
			}
			r.effects.WithLabelValues(mode, result).Inc()
		},
		OnError: func(context.Context, error) {
			r.errors.Inc()
		},
	}
}
