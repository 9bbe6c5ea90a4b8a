package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAuthority("Cloudflare", true)
	m.ObserveAuthority("Cloudflare", false)
	m.ObserveAuthority("Cloudflare", false)
	m.ObserveProbe("quick", true)
	m.ObserveGeo("cache")
	m.ObserveEvictions(3)
	m.ObserveEvictions(0)
	m.ObserveStage("resolve", 250*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthorityQueries.WithLabelValues("Cloudflare", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthorityQueries.WithLabelValues("Cloudflare", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProbeOutcomes.WithLabelValues("quick", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GeoLookups.WithLabelValues("cache")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAuthority("x", true)
		m.ObserveProbe("quick", false)
		m.ObserveGeo("unknown")
		m.ObserveStage("score", time.Second)
		m.ObserveEvictions(5)
	})
}
