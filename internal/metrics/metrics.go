// Package metrics owns the prometheus registry for resourced: resolver
// outcomes, HTTP request metrics and process-level gauges.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
	"github.com/keithlinneman/linnemanlabs-resources/internal/version"
)

const (
	OutcomeFound  = "found"
	OutcomeAbsent = "absent"
	OutcomeError  = "error"
	// OutcomeCanceled is recorded when the caller went away mid-resolution
	OutcomeCanceled = "canceled"
)

type ResolverMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	resolveTotal *prometheus.CounterVec
	resolveDur   *prometheus.HistogramVec
	loaderInfo   *prometheus.GaugeVec
	s3Release    *prometheus.GaugeVec

	releasePolls  *prometheus.CounterVec
	releaseSwaps  prometheus.Counter
	releaseStale  prometheus.Gauge
	releaseLastOK prometheus.Gauge

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

var _ resource.Observer = (*ResolverMetrics)(nil)

// New returns a fresh registry with go/process collectors and all
// resourced metrics registered. Labels are bounded: route patterns, never raw
// paths or resource keys.
func New() *ResolverMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ResolverMetrics{
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
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered HTTP handler panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_resolutions_total",
			Help: "Resource resolutions by winning strategy and outcome",
		}, []string{"strategy", "outcome"}),
		resolveDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resource_resolve_duration_seconds",
			Help:    "Time spent resolving a resource by winning strategy",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"strategy"}),
		loaderInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_loader_info",
			Help: "Configured loaders (labels carry identity, value is always 1)",
		}, []string{"role", "name", "kind"}),
		s3Release: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_s3_release_info",
			Help: "Active S3 bucket and prefix (labels carry identity, value is always 1)",
		}, []string{"bucket", "prefix"}),
		releasePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_s3_release_polls_total",
			Help: "SSM release pointer polls by result (unchanged, swapped, error)",
		}, []string{"result"}),
		releaseSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resource_s3_release_swaps_total",
			Help: "Total S3 prefix switches after a release pointer change",
		}),
		releaseStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resource_s3_release_stale",
			Help: "Whether the release pointer could not be read within the stale threshold (1) or not (0)",
		}),
		releaseLastOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "resource_s3_release_last_success_timestamp_seconds",
			Help: "Unix time of the last successful release pointer poll",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.resolveTotal,
		m.resolveDur,
		m.loaderInfo,
		m.s3Release,
		m.releasePolls,
		m.releaseSwaps,
		m.releaseStale,
		m.releaseLastOK,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ResolverMetrics) Handler() http.Handler {
	return m.handler
}

// Registry is exposed for tests and for callers registering extra collectors
func (m *ResolverMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveResolve records one resolution.
func (m *ResolverMetrics) ObserveResolve(s resource.Strategy, d time.Duration, err error) {
	if s == "" {
		s = resource.StrategyNone
	}
	m.resolveTotal.WithLabelValues(string(s), outcome(s, err)).Inc()
	m.resolveDur.WithLabelValues(string(s)).Observe(d.Seconds())
}

func outcome(s resource.Strategy, err error) string {
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return OutcomeCanceled
	case err != nil:
		return OutcomeError
	case s == resource.StrategyNone:
		return OutcomeAbsent
	default:
		return OutcomeFound
	}
}

// SetLoader records a configured loader. role is explicit, ambient, module
// or system; kind is dir, embed or s3.
func (m *ResolverMetrics) SetLoader(role, name, kind string) {
	m.loaderInfo.WithLabelValues(role, name, kind).Set(1)
}

func (m *ResolverMetrics) SetS3Release(bucket, prefix string) {
	m.s3Release.Reset()
	m.s3Release.WithLabelValues(bucket, prefix).Set(1)
}

// ObservePoll implements s3loader.WatcherMetrics
func (m *ResolverMetrics) ObservePoll(result string) {
	m.releasePolls.WithLabelValues(result).Inc()
	switch result {
	case "swapped":
		m.releaseSwaps.Inc()
		fallthrough
	case "unchanged":
		m.releaseLastOK.Set(float64(time.Now().Unix()))
	}
}

func (m *ResolverMetrics) SetReleaseStale(stale bool) {
	if stale {
		m.releaseStale.Set(1)
	} else {
		m.releaseStale.Set(0)
	}
}

func (m *ResolverMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ResolverMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ResolverMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// set once at startup.
func (m *ResolverMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ResolverMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
