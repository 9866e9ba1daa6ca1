// Package metrics provides Prometheus instrumentation for the togglr server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only togglr metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/togglr/internal/core"
)

// Metrics holds all Prometheus collectors used by the togglr server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	SnapshotFlags         prometheus.Gauge
	SnapshotVersion       prometheus.Gauge
	SnapshotLoadsTotal    *prometheus.CounterVec
	SnapshotFailuresTotal prometheus.Counter
	SnapshotInvalidations prometheus.Counter
	EvaluationsTotal      *prometheus.CounterVec
	AnalyticsDroppedTotal prometheus.Counter
	AnalyticsPersisted    *prometheus.CounterVec
	AnalyticsPrunedTotal  prometheus.Counter
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         *prometheus.GaugeVec
}

// New creates and registers all togglr metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "togglr_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "togglr_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		SnapshotFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "togglr_snapshot_flags",
			Help: "Number of flags in the current snapshot.",
		}),

		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "togglr_snapshot_version",
			Help: "Flag event id the current snapshot was read at.",
		}),

		SnapshotLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_snapshot_loads_total",
			Help: "Total number of snapshot loads by source.",
		}, []string{"source"}),

		SnapshotFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_snapshot_load_failures_total",
			Help: "Total number of failed snapshot loads.",
		}),

		SnapshotInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_snapshot_invalidations_total",
			Help: "Total number of NOTIFY-triggered snapshot invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"reason", "result"}),

		AnalyticsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_analytics_dropped_total",
			Help: "Evaluation outcomes dropped because the analytics buffer was full.",
		}),

		AnalyticsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglr_analytics_persisted_total",
			Help: "Evaluation outcomes written to the evaluation log.",
		}, []string{"status"}),

		AnalyticsPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_analytics_pruned_total",
			Help: "Evaluation log rows deleted by retention.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglr_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "togglr_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.SnapshotFlags,
		m.SnapshotVersion,
		m.SnapshotLoadsTotal,
		m.SnapshotFailuresTotal,
		m.SnapshotInvalidations,
		m.EvaluationsTotal,
		m.AnalyticsDroppedTotal,
		m.AnalyticsPersisted,
		m.AnalyticsPrunedTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one completed HTTP request. route is the matched
// mux pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// StreamOpened increments the active stream gauge for transport.
func (m *Metrics) StreamOpened(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamClosed decrements the active stream gauge for transport.
func (m *Metrics) StreamClosed(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.StreamOpened("grpc")
		defer m.StreamClosed("grpc")
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordEvaluation increments the evaluation counter for reason and result.
func (m *Metrics) RecordEvaluation(reason core.Reason, result bool) {
	m.EvaluationsTotal.WithLabelValues(reason.String(), strconv.FormatBool(result)).Inc()
}

// IncSnapshotLoads increments the snapshot load counter for source.
func (m *Metrics) IncSnapshotLoads(source string) {
	m.SnapshotLoadsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncSnapshotFailures() {
	m.SnapshotFailuresTotal.Inc()
}

func (m *Metrics) IncSnapshotInvalidations() {
	m.SnapshotInvalidations.Inc()
}

// SetSnapshot updates the snapshot size and version gauges.
func (m *Metrics) SetSnapshot(size int, version int64) {
	m.SnapshotFlags.Set(float64(size))
	m.SnapshotVersion.Set(float64(version))
}

// AddAnalyticsDropped counts outcomes the recorder could not buffer.
func (m *Metrics) AddAnalyticsDropped(n int) {
	m.AnalyticsDroppedTotal.Add(float64(n))
}

// ObserveAnalyticsPersist counts a batch written to, or rejected by, the
// evaluation log.
func (m *Metrics) ObserveAnalyticsPersist(n int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AnalyticsPersisted.WithLabelValues(outcome).Add(float64(n))
}

// AddAnalyticsPruned counts evaluation log rows removed by retention.
func (m *Metrics) AddAnalyticsPruned(n int64) {
	m.AnalyticsPrunedTotal.Add(float64(n))
}

func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
