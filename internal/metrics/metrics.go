package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/bugexd/internal/request"
)

const namespace = "bugex"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Number of analysis requests accepted for supervision.",
		},
	)
	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Number of supervision jobs that ended, by outcome and failure reason.",
		}, []string{"outcome", "reason"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from job creation to its terminal outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600},
		}, []string{"outcome"},
	)
	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently supervised.",
		},
	)
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "ticks_total",
			Help:      "Number of supervision polls executed.",
		},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "status_transitions_total",
			Help:      "Number of request status transitions.",
		}, []string{"from", "to"},
	)
	toolCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a running analysis tool.",
		}, []string{"job"},
	)
	toolRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "rss_bytes",
			Help:      "Last sampled resident memory of a running analysis tool.",
		}, []string{"job"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobsSubmitted, jobsCompleted, jobDuration, activeJobs, ticks, statusTransitions, toolCPU, toolRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncSubmitted() {
	if regOK.Load() {
		jobsSubmitted.Inc()
	}
}

func IncTick() {
	if regOK.Load() {
		ticks.Inc()
	}
}

func SetActiveJobs(n int) {
	if regOK.Load() {
		activeJobs.Set(float64(n))
	}
}

// ObserveCompleted records a terminal job outcome. reason is empty unless the job failed.
func ObserveCompleted(outcome, reason string, seconds float64) {
	if regOK.Load() {
		jobsCompleted.WithLabelValues(outcome, reason).Inc()
		jobDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func SetToolUsage(job string, cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		toolCPU.WithLabelValues(job).Set(cpuPercent)
		toolRSS.WithLabelValues(job).Set(float64(rssBytes))
	}
}

// ClearToolUsage drops the per-job series once the job is gone.
func ClearToolUsage(job string) {
	if regOK.Load() {
		toolCPU.DeleteLabelValues(job)
		toolRSS.DeleteLabelValues(job)
	}
}

func RecordStatusTransition(from, to string) {
	if regOK.Load() {
		statusTransitions.WithLabelValues(from, to).Inc()
	}
}

// StatusObserver counts every request status change.
func StatusObserver() request.Observer {
	return request.ObserverFunc(func(_ context.Context, c request.Change) {
		RecordStatusTransition(c.From.String(), c.To.String())
	})
}

// Serve exposes Handler on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
