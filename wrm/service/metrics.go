package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-appsec/wrm/wrm/service/pipeline"
)

// Metrics are the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connsActive   prometheus.Gauge
	connsTotal    *prometheus.CounterVec
	requestsTotal *prometheus.CounterVec
	admissionWait prometheus.Histogram
}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wrm_connections_active",
			Help: "Connections currently being served.",
		}),
		connsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wrm_connections_total",
			Help: "Connections served, by detected protocol.",
		}, []string{"protocol"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wrm_requests_total",
			Help: "Request exchanges completed, by protocol and status class.",
		}, []string{"protocol", "status"}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wrm_admission_wait_seconds",
			Help:    "Time the accept loop waited for an admission slot.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}
	reg.MustRegister(m.connsActive, m.connsTotal, m.requestsTotal, m.admissionWait)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) connOpened() { m.connsActive.Inc() }

func (m *Metrics) connClosed(cc *pipeline.Context) {
	m.connsTotal.WithLabelValues(cc.Protocol.String()).Inc()
	m.connsActive.Dec()
}

func (m *Metrics) observeAdmission(d time.Duration) {
	m.admissionWait.Observe(d.Seconds())
}

// Stage counts each exchange once the rest of the pipeline has produced its
// outcome. Blocked exchanges are counted with status "blocked".
func (m *Metrics) Stage() pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
		if cc.Request == nil {
			return next(ctx, cc)
		}
		err := next(ctx, cc)
		m.requestsTotal.WithLabelValues(cc.Protocol.String(), statusClass(cc, err)).Inc()
		return err
	})
}

func statusClass(cc *pipeline.Context, err error) string {
	switch {
	case cc.Decision == pipeline.Block:
		return "blocked"
	case err != nil || cc.Response == nil:
		return "5xx"
	default:
		return strconv.Itoa(cc.Response.StatusCode/100) + "xx"
	}
}
