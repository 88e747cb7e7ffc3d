package kairo

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PriorityCounts is the success/total tally for one request Priority.
type PriorityCounts struct {
	Successes uint64
	Total     uint64
}

// NetworkMetricsSnapshot is the read-only view NetworkClient.GetMetrics
// returns (§4.7).
type NetworkMetricsSnapshot struct {
	TotalRequests      uint64
	TotalSuccesses     uint64
	TotalFailures      uint64
	CumulativeDuration time.Duration
	PerPriority        map[Priority]PriorityCounts
}

// MeanDuration returns CumulativeDuration / TotalRequests, or 0 if no
// requests have completed.
func (s NetworkMetricsSnapshot) MeanDuration() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.CumulativeDuration / time.Duration(s.TotalRequests)
}

// networkMetrics tracks NetworkClient counters in two parallel forms: plain
// atomics for a cheap in-process snapshot (GetMetrics), and a Prometheus
// registry for external scraping (MetricsHandler).
type networkMetrics struct {
	totalRequests  uint64
	totalSuccesses uint64
	totalFailures  uint64
	cumulativeNs   int64

	mu          sync.Mutex
	perPriority map[Priority]*PriorityCounts

	requestsCounter *prometheus.CounterVec
	durationHist    *prometheus.HistogramVec
	reg             *prometheus.Registry
	handler         http.Handler
}

func newNetworkMetrics() *networkMetrics {
	reg := prometheus.NewRegistry()
	requestsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairo",
		Subsystem: "network_client",
		Name:      "requests_total",
		Help:      "Total NetworkClient requests by priority and outcome.",
	}, []string{"priority", "outcome"})
	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kairo",
		Subsystem: "network_client",
		Name:      "request_duration_seconds",
		Help:      "NetworkClient request duration by priority.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"priority"})
	reg.MustRegister(requestsCounter, durationHist)

	return &networkMetrics{
		perPriority:     make(map[Priority]*PriorityCounts),
		requestsCounter: requestsCounter,
		durationHist:    durationHist,
		reg:             reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

func (m *networkMetrics) record(priority Priority, success bool, duration time.Duration) {
	atomic.AddUint64(&m.totalRequests, 1)
	atomic.AddInt64(&m.cumulativeNs, int64(duration))
	outcome := "failure"
	if success {
		atomic.AddUint64(&m.totalSuccesses, 1)
		outcome = "success"
	} else {
		atomic.AddUint64(&m.totalFailures, 1)
	}

	m.mu.Lock()
	pc := m.perPriority[priority]
	if pc == nil {
		pc = &PriorityCounts{}
		m.perPriority[priority] = pc
	}
	pc.Total++
	if success {
		pc.Successes++
	}
	m.mu.Unlock()

	m.requestsCounter.WithLabelValues(priority.String(), outcome).Inc()
	m.durationHist.WithLabelValues(priority.String()).Observe(duration.Seconds())
}

func (m *networkMetrics) snapshot() NetworkMetricsSnapshot {
	m.mu.Lock()
	perPriority := make(map[Priority]PriorityCounts, len(m.perPriority))
	for p, pc := range m.perPriority {
		perPriority[p] = *pc
	}
	m.mu.Unlock()

	return NetworkMetricsSnapshot{
		TotalRequests:      atomic.LoadUint64(&m.totalRequests),
		TotalSuccesses:     atomic.LoadUint64(&m.totalSuccesses),
		TotalFailures:      atomic.LoadUint64(&m.totalFailures),
		CumulativeDuration: time.Duration(atomic.LoadInt64(&m.cumulativeNs)),
		PerPriority:        perPriority,
	}
}

func (m *networkMetrics) reset() {
	atomic.StoreUint64(&m.totalRequests, 0)
	atomic.StoreUint64(&m.totalSuccesses, 0)
	atomic.StoreUint64(&m.totalFailures, 0)
	atomic.StoreInt64(&m.cumulativeNs, 0)

	m.mu.Lock()
	m.perPriority = make(map[Priority]*PriorityCounts)
	m.mu.Unlock()

	m.requestsCounter.Reset()
	m.durationHist.Reset()
}

// MetricsHandler exposes the Prometheus /metrics endpoint for this client's
// registry.
func (m *networkMetrics) MetricsHandler() http.Handler { return m.handler }
