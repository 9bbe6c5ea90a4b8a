// Package metrics 定义优选流程各阶段的 Prometheus 指标。
// 所有方法在接收者为 nil 时都是空操作，方便测试中省略指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ipselector"

// Metrics 汇总优选流程使用的指标
type Metrics struct {
	AuthorityQueries *prometheus.CounterVec
	ProbeOutcomes    *prometheus.CounterVec
	GeoLookups       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	CacheEvictions   prometheus.Counter
}

// New 创建指标并注册到 reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthorityQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authority_queries_total",
			Help:      "DNS authority resolution attempts by label and result.",
		}, []string{"authority", "result"}),
		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Per-address probe outcomes by pipeline stage.",
		}, []string{"stage", "result"}),
		GeoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_lookups_total",
			Help:      "Geolocation lookups by the source that answered.",
		}, []string{"source"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_evictions_total",
			Help:      "Geolocation cache entries removed by cleanup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AuthorityQueries, m.ProbeOutcomes, m.GeoLookups, m.StageDuration, m.CacheEvictions)
	}
	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveAuthority 记录一次 DNS 服务器查询结果
func (m *Metrics) ObserveAuthority(label string, ok bool) {
	if m == nil {
		return
	}
	m.AuthorityQueries.WithLabelValues(label, result(ok)).Inc()
}

// ObserveProbe 记录某阶段单个地址的结果
func (m *Metrics) ObserveProbe(stage string, ok bool) {
	if m == nil {
		return
	}
	m.ProbeOutcomes.WithLabelValues(stage, result(ok)).Inc()
}

// ObserveGeo 记录地理位置查询的来源：cache、provider 名称或 unknown
func (m *Metrics) ObserveGeo(source string) {
	if m == nil {
		return
	}
	m.GeoLookups.WithLabelValues(source).Inc()
}

// ObserveStage 记录阶段耗时
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveEvictions 记录缓存清理删除的条目数
func (m *Metrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}
