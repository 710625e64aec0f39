package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/shortstack/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	bootUnitDuration   *prometheus.HistogramVec
	bootUnitFailures   *prometheus.CounterVec
	bootUnitsExecuted  prometheus.Counter
	bootCompletedTs    prometheus.Gauge
	assetBundleInfo    *prometheus.GaugeVec
	assetBundleLoadDur prometheus.Histogram
}

// New returns a fresh registry with the Go and process collectors and every
// stack metric registered. Labels are kept to bounded sets (method, route,
// status, unit) to avoid cardinality blowups.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered HTTP handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the rate limiter visitor table was full",
		}),
		bootUnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "boot_unit_duration_seconds",
			Help:    "Time spent running each boot unit",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"unit"}),
		bootUnitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boot_unit_failures_total",
			Help: "Boot units that returned an error or panicked",
		}, []string{"unit"}),
		bootUnitsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boot_units_executed_total",
			Help: "Boot units run, including failed ones",
		}),
		bootCompletedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boot_completed_timestamp_seconds",
			Help: "Unix timestamp of the last successful boot (0 until booted)",
		}),
		assetBundleInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asset_bundle_info",
			Help: "Active public asset bundle (label carries identity, value is always 1)",
		}, []string{"sha256", "source"}),
		assetBundleLoadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asset_bundle_load_duration_seconds",
			Help:    "Time to download, verify, and extract the asset bundle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.bootUnitDuration,
		m.bootUnitFailures,
		m.bootUnitsExecuted,
		m.bootCompletedTs,
		m.assetBundleInfo,
		m.assetBundleLoadDur,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHTTPPanic() { m.httpPanicTotal.Inc() }

// SetBuildInfo is called once at startup.
func (m *ServerMetrics) SetBuildInfo(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.AppName,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildID,
		"go_version": vi.GoVersion,
		"vcs_dirty":  vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDeniedTotal.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

// SetAssetBundle replaces the active bundle identity.
func (m *ServerMetrics) SetAssetBundle(sha256, source string) {
	m.assetBundleInfo.Reset()
	m.assetBundleInfo.WithLabelValues(sha256, source).Set(1)
}

func (m *ServerMetrics) ObserveAssetBundleLoad(seconds float64) {
	m.assetBundleLoadDur.Observe(seconds)
}
