// Package metrics exposes Prometheus instrumentation for the store, the
// transaction manager and the strategy executor.
//
// Every component takes an optional *Metrics. A nil *Metrics is valid and
// records nothing, so library callers that do not scrape pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grafting"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	commits        prometheus.Counter
	conflicts      prometheus.Counter
	commitLatency  prometheus.Histogram
	walBytes       prometheus.Counter
	compactions    prometheus.Counter
	segmentsStored prometheus.Counter
	matches        *prometheus.CounterVec
	steps          *prometheus.CounterVec
	retries        prometheus.Counter
	runs           *prometheus.CounterVec
	patchCache     *prometheus.CounterVec
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		// commits counts versions that reached the WAL.
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Versions committed to the write-ahead log",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Commits rejected because the head moved",
		}),
		commitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_latency_seconds",
			Help:      "Time from commit start to WAL fsync",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		walBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "wal_bytes_total",
			Help:      "Bytes appended to the write-ahead log",
		}),
		compactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "compactions_total",
			Help:      "Compaction passes that materialized at least one version",
		}),
		segmentsStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "segments_stored_total",
			Help:      "Segments written to the object store",
		}),

		// matches counts matches produced, by rule name.
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewrite",
			Name:      "matches_total",
			Help:      "Matches produced by the matcher",
		}, []string{"rule"}),

		// steps counts applied rewrite steps, by strategy op.
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Rewrite steps applied by the executor",
		}, []string{"op"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "conflict_retries_total",
			Help:      "Steps retried after a commit conflict",
		}),

		// runs counts finished executions, by outcome (applied, no_op or an error code).
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Strategy executions by outcome",
		}, []string{"outcome"}),
		patchCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "patch_cache_total",
			Help:      "Patch cache lookups by result (hit, miss)",
		}, []string{"result"}),
	}
}

// ObserveCommit records a successful commit of walBytes bytes.
func (m *Metrics) ObserveCommit(start time.Time, walBytes int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.walBytes.Add(float64(walBytes))
	m.commitLatency.Observe(time.Since(start).Seconds())
}

// IncConflict records a rejected commit.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ObserveCompaction records a compaction pass that stored segments.
func (m *Metrics) ObserveCompaction(segments int) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	m.segmentsStored.Add(float64(segments))
}

// AddMatches records n matches of rule.
func (m *Metrics) AddMatches(rule string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.matches.WithLabelValues(rule).Add(float64(n))
}

// IncStep records an applied step under op.
func (m *Metrics) IncStep(op string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(op).Inc()
}

// IncRetry records a conflict retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncRun records a finished execution.
func (m *Metrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// IncPatchCache records a patch cache lookup.
func (m *Metrics) IncPatchCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.patchCache.WithLabelValues("hit").Inc()
		return
	}
	m.patchCache.WithLabelValues("miss").Inc()
}
