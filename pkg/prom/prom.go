package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/otp-gateway/pkg/http"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemRental    = "rental"
	SystemLedger    = "ledger"
	SystemProvider  = "provider"
	SystemReconcile = "reconcile"
)

type metrics struct {
	rentalsAcquired  *prometheus.CounterVec
	rentalsCancelled *prometheus.CounterVec
	refunds          *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerCircuit  *prometheus.GaugeVec
	refundJobs       *prometheus.CounterVec
	streamBacklog    *prometheus.GaugeVec
}

var (
	mu       sync.RWMutex
	current  *metrics
	registry *prometheus.Registry
)

// MetricSystemEnabled reports whether Create has run. Until then every
// helper below is a no-op.
func MetricSystemEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return current != nil
}

// Create builds a fresh registry with the gateway metrics plus the go and
// process collectors. Calling it again replaces the previous registry.
func Create(host string, env string, namespace string) error {
	labels := prometheus.Labels{"env": env, "instance": host}

	counter := func(subsystem, name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, keys)
	}
	gauge := func(subsystem, name, help string, keys ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		}, keys)
	}

	m := &metrics{
		rentalsAcquired:  counter(SystemRental, "acquired_total", "getNumber outcomes per country.", "country", "result"),
		rentalsCancelled: counter(SystemRental, "cancelled_total", "Cancellations by refund outcome.", "refunded"),
		refunds:          counter(SystemLedger, "refunds_total", "Compensating credits by reason.", "reason", "result"),
		alerts:           counter(SystemLedger, "reconciliation_alerts_total", "Money movements that need an operator.", "reason"),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: SystemProvider, Name: "request_duration_seconds",
			Help: "Provider round trips.", ConstLabels: labels,
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"action", "result"}),
		providerCircuit: gauge(SystemProvider, "circuit_open", "1 while the provider circuit is open.", "provider"),
		refundJobs:      counter(SystemReconcile, "jobs_total", "Refund jobs handled by the reconciler.", "result"),
		streamBacklog:   gauge(SystemReconcile, "stream_backlog", "Refund stream entries by state.", "state"),
	}

	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rentalsAcquired, m.rentalsCancelled, m.refunds, m.alerts,
		m.providerLatency, m.providerCircuit, m.refundJobs, m.streamBacklog,
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metric: %w", err)
		}
	}

	mu.Lock()
	current, registry = m, reg
	mu.Unlock()
	return nil
}

func get() *metrics {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Gatherer exposes the active registry, nil before Create.
func Gatherer() prometheus.Gatherer {
	mu.RLock()
	defer mu.RUnlock()
	if registry == nil {
		return nil
	}
	return registry
}

func ListenAndServer(addr string, url string) {
	g := Gatherer()
	if g == nil {
		logger.Error("[metrics-server] metrics not created")
		return
	}
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "addr", addr, "url", url)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func RentalAcquired(country, result string) {
	if m := get(); m != nil {
		m.rentalsAcquired.WithLabelValues(country, result).Inc()
	}
}

func RentalCancelled(refunded bool) {
	if m := get(); m != nil {
		m.rentalsCancelled.WithLabelValues(fmt.Sprint(refunded)).Inc()
	}
}

func Refund(reason, result string) {
	if m := get(); m != nil {
		m.refunds.WithLabelValues(reason, result).Inc()
	}
}

func ReconciliationAlert(reason string) {
	if m := get(); m != nil {
		m.alerts.WithLabelValues(reason).Inc()
	}
}

func ProviderRequest(action, result string, seconds float64) {
	if m := get(); m != nil {
		m.providerLatency.WithLabelValues(action, result).Observe(seconds)
	}
}

func ProviderCircuit(provider string, open bool) {
	m := get()
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.providerCircuit.WithLabelValues(provider).Set(v)
}

// RefundJob counts reconciler outcomes: applied, duplicate, failed, skipped.
func RefundJob(result string) {
	if m := get(); m != nil {
		m.refundJobs.WithLabelValues(result).Inc()
	}
}

func RefundStream(pending, deadLetters int64) {
	m := get()
	if m == nil {
		return
	}
	m.streamBacklog.WithLabelValues("pending").Set(float64(pending))
	m.streamBacklog.WithLabelValues("dead_letter").Set(float64(deadLetters))
}
