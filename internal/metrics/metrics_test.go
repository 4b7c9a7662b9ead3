package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommit(time.Now(), 10)
		m.IncConflict()
		m.ObserveCompaction(3)
		m.AddMatches("r", 2)
		m.IncStep("once")
		m.IncRetry()
		m.IncRun("applied")
		m.IncPatchCache(true)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveCommit(time.Now(), 100)
	m.ObserveCommit(time.Now(), 50)
	m.IncConflict()
	m.AddMatches("tri_collapse", 3)
	m.AddMatches("tri_collapse", 0)
	m.IncStep("exhaust")
	m.IncPatchCache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.walBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.matches.WithLabelValues("tri_collapse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("exhaust")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.patchCache.WithLabelValues("miss")))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncRetry()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.retries))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.retries))
}
