// Package metrics exposes Prometheus instrumentation for the simulation.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimMetrics collects counters and gauges for the exchange, the matching
// engine, and the trader cohort, exposed on a /metrics endpoint.
type SimMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers
	logger    log.Logger

	ordersSubmitted prometheus.Counter
	ordersRejected  prometheus.Counter
	tradesExecuted  prometheus.Counter
	sharesTraded    prometheus.Counter
	cycleTimeouts   prometheus.Counter
	cycleDuration   prometheus.Histogram
	orderBookDepth  prometheus.GaugeVec
	stockPrice      prometheus.GaugeVec
	activeTraders   prometheus.Gauge

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewSimMetrics creates a metrics set on its own registry.
func NewSimMetrics(namespace string, logger log.Logger) *SimMetrics {
	registry := prometheus.NewRegistry()

	m := &SimMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Total number of orders accepted by the exchange",
		}),

		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of orders rejected by validation",
		}),

		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}),

		sharesTraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_traded_total",
			Help:      "Total share volume across all trades",
		}),

		cycleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_timeouts_total",
			Help:      "Matching cycles that overran their deadline",
		}),

		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one full matching cycle",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		orderBookDepth: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Resting price levels by symbol and side",
		}, []string{"symbol", "side"}),

		stockPrice: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stock_price",
			Help:      "Last known price by symbol",
		}, []string{"symbol"}),

		activeTraders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traders_active",
			Help:      "Traders still placing orders",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.ordersRejected,
		m.tradesExecuted,
		m.sharesTraded,
		m.cycleTimeouts,
		m.cycleDuration,
		m.orderBookDepth,
		m.stockPrice,
		m.activeTraders,
		m.memoryUsage,
		m.goroutines,
	)

	return m
}

// Expose folds another registry into the /metrics endpoint output. Call
// before StartServer; components that keep their own registry (the matching
// engine does) get scraped alongside the simulation set.
func (m *SimMetrics) Expose(g prometheus.Gatherer) {
	m.gatherers = append(m.gatherers, g)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *SimMetrics) Handler() http.Handler {
	gatherers := append(prometheus.Gatherers{m.registry}, m.gatherers...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// StartServer serves the metrics endpoint on the given port.
func (m *SimMetrics) StartServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()

	m.logger.Info("prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")
}

func (m *SimMetrics) RecordOrder() { m.ordersSubmitted.Inc() }

func (m *SimMetrics) RecordRejection() { m.ordersRejected.Inc() }

func (m *SimMetrics) RecordCycleTimeout() { m.cycleTimeouts.Inc() }

// RecordTrade records one execution and its share volume.
func (m *SimMetrics) RecordTrade(quantity int64) {
	m.tradesExecuted.Inc()
	m.sharesTraded.Add(float64(quantity))
}

// RecordCycle records the wall time of one matching cycle.
func (m *SimMetrics) RecordCycle(elapsed time.Duration) {
	m.cycleDuration.Observe(elapsed.Seconds())
}

// UpdateDepth updates resting depth for one symbol.
func (m *SimMetrics) UpdateDepth(symbol string, bidLevels, askLevels int) {
	m.orderBookDepth.WithLabelValues(symbol, "bid").Set(float64(bidLevels))
	m.orderBookDepth.WithLabelValues(symbol, "ask").Set(float64(askLevels))
}

// UpdatePrice updates the last known price for one symbol.
func (m *SimMetrics) UpdatePrice(symbol string, price float64) {
	m.stockPrice.WithLabelValues(symbol).Set(price)
}

// SetActiveTraders updates the live trader count.
func (m *SimMetrics) SetActiveTraders(n int) {
	m.activeTraders.Set(float64(n))
}

// CollectSystemMetrics samples runtime stats until ctx is cancelled.
func (m *SimMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
