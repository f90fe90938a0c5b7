package obs

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	networkErrors     *prometheus.CounterVec
	shellFallbacks    *prometheus.CounterVec
	cacheStoreFail    prometheus.Counter
	cacheStored       prometheus.Counter
	lifecycle         *prometheus.CounterVec
	storesPruned      prometheus.Counter
	requestDuration   *prometheus.HistogramVec
	networkRoundTrip  prometheus.Histogram
	activeVersionInfo *prometheus.GaugeVec
	originUp          prometheus.Gauge
	mu                sync.Mutex
	lastVersion       string
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_requests_total",
		Help: "Total intercepted requests",
	}, []string{"mode", "source", "status_class"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_lookups_total",
		Help: "Total store lookups",
	}, []string{"result"})

	networkErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_network_errors_total",
		Help: "Total failed network fetches",
	}, []string{"mode", "category"})

	shellFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_shell_fallbacks_total",
		Help: "Total navigation failures answered or missed by the shell page",
	}, []string{"result"})

	cacheStoreFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_store_fail_total",
		Help: "Total opportunistic cache writes that failed",
	})

	cacheStored := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_stored_total",
		Help: "Total responses stored opportunistically",
	})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_lifecycle_total",
		Help: "Total worker lifecycle transitions",
	}, []string{"phase", "result"})

	storesPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_stores_pruned_total",
		Help: "Total stale stores deleted on activation",
	})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_cache_request_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	networkRoundTrip := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_cache_network_roundtrip_seconds",
		Help:    "Network roundtrip duration",
		Buckets: prometheus.DefBuckets,
	})

	activeVersionInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_cache_active_version_info",
		Help: "Store version of the active worker",
	}, []string{"version"})

	originUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_cache_origin_up",
		Help: "Whether the last origin probe succeeded",
	})

	registry.MustRegister(requests, cacheLookups, networkErrors, shellFallbacks, cacheStoreFail, cacheStored, lifecycle, storesPruned, requestDuration, networkRoundTrip, activeVersionInfo, originUp)

	return &Metrics{
		registry:          registry,
		requests:          requests,
		cacheLookups:      cacheLookups,
		networkErrors:     networkErrors,
		shellFallbacks:    shellFallbacks,
		cacheStoreFail:    cacheStoreFail,
		cacheStored:       cacheStored,
		lifecycle:         lifecycle,
		storesPruned:      storesPruned,
		requestDuration:   requestDuration,
		networkRoundTrip:  networkRoundTrip,
		activeVersionInfo: activeVersionInfo,
		originUp:          originUp,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandlerWithToken serves Handler only to requests bearing token. An empty
// token leaves the endpoint open.
func (m *Metrics) HandlerWithToken(token string) http.Handler {
	next := m.Handler()
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Metrics) ObserveRequest(mode string, source string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(defaultString(mode, "subresource"), defaultString(source, "none"), statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(defaultString(source, "none")).Observe(duration.Seconds())
}

func (m *Metrics) ObserveNetworkRoundTrip(duration time.Duration) {
	if m == nil {
		return
	}
	m.networkRoundTrip.Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(defaultString(result, "unknown")).Inc()
}

func (m *Metrics) RecordNetworkError(mode string, category string) {
	if m == nil {
		return
	}
	m.networkErrors.WithLabelValues(defaultString(mode, "subresource"), defaultString(category, "other")).Inc()
}

func (m *Metrics) RecordShellFallback(served bool) {
	if m == nil {
		return
	}
	result := "served"
	if !served {
		result = "missing"
	}
	m.shellFallbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheStored() {
	if m == nil {
		return
	}
	m.cacheStored.Inc()
}

func (m *Metrics) RecordCacheStoreFail() {
	if m == nil {
		return
	}
	m.cacheStoreFail.Inc()
}

func (m *Metrics) RecordLifecycle(phase string, result string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) RecordStoresPruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.storesPruned.Add(float64(count))
}

func (m *Metrics) SetOriginUp(up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.originUp.Set(value)
}

func (m *Metrics) SetActiveVersion(version string) {
	if m == nil || version == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastVersion != "" {
		m.activeVersionInfo.WithLabelValues(m.lastVersion).Set(0)
	}
	m.activeVersionInfo.WithLabelValues(version).Set(1)
	m.lastVersion = version
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
