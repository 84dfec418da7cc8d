// Package metrics exposes venue activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/klp/pkg/chain"
)

// Metrics holds the venue collectors on a private registry. It is a chain.Sink
// counting committed events by topic.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger
	server    *http.Server

	events      *prometheus.CounterVec
	blockHeight prometheus.Gauge

	// Pool state
	aum             *prometheus.GaugeVec
	klpSupply       prometheus.Gauge
	poolAmount      *prometheus.GaugeVec
	reservedAmount  *prometheus.GaugeVec
	globalShortSize *prometheus.GaugeVec
	queueLength     *prometheus.GaugeVec

	// Keeper
	sweepLatency *prometheus.HistogramVec
	sweepErrors  *prometheus.CounterVec
	liquidations prometheus.Counter

	natsPublished prometheus.Counter
	natsFailed    prometheus.Counter

	// System
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the collectors under namespace.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed venue events by topic",
		}, []string{"topic"}),

		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Current block height",
		}),

		aum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "klp_aum_usd",
			Help:      "Assets under management of the liquidity pool",
		}, []string{"bound"}),

		klpSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "klp_supply",
			Help:      "Outstanding KLP",
		}),

		poolAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_amount",
			Help:      "Vault pool amount by token",
		}, []string{"token"}),

		reservedAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_amount",
			Help:      "Amount reserved for open positions by token",
		}, []string{"token"}),

		globalShortSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_short_size_usd",
			Help:      "Aggregate short open interest by index token",
		}, []string{"token"}),

		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_pending",
			Help:      "Position requests waiting for a keeper",
		}, []string{"kind"}),

		sweepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_sweep_seconds",
			Help:      "Duration of keeper queue sweeps",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"kind"}),

		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_sweep_errors_total",
			Help:      "Keeper sweeps that returned an error",
		}, []string{"kind"}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_liquidations_total",
			Help:      "Positions liquidated by the keeper",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		natsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_failures_total",
			Help:      "NATS publishes that failed",
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
		m.events,
		m.blockHeight,
		m.aum,
		m.klpSupply,
		m.poolAmount,
		m.reservedAmount,
		m.globalShortSize,
		m.queueLength,
		m.sweepLatency,
		m.sweepErrors,
		m.liquidations,
		m.natsPublished,
		m.natsFailed,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until Shutdown.
func (m *Metrics) StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	m.logger.Info("Starting Prometheus metrics server", "addr", addr)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// Deliver counts committed events.
func (m *Metrics) Deliver(events []chain.Event) {
	for _, ev := range events {
		m.events.WithLabelValues(ev.Topic).Inc()
	}
}

func (m *Metrics) SetBlockHeight(height uint64) {
	m.blockHeight.Set(float64(height))
}

// SetAum records both AUM bounds in USD.
func (m *Metrics) SetAum(min, max float64) {
	m.aum.WithLabelValues("min").Set(min)
	m.aum.WithLabelValues("max").Set(max)
}

func (m *Metrics) SetKlpSupply(supply float64) {
	m.klpSupply.Set(supply)
}

// SetPool records the vault state of one token.
func (m *Metrics) SetPool(symbol string, pool, reserved, globalShortUsd float64) {
	m.poolAmount.WithLabelValues(symbol).Set(pool)
	m.reservedAmount.WithLabelValues(symbol).Set(reserved)
	m.globalShortSize.WithLabelValues(symbol).Set(globalShortUsd)
}

// SetQueueLengths records the number of pending requests per queue.
func (m *Metrics) SetQueueLengths(increases, decreases uint64) {
	m.queueLength.WithLabelValues("increase").Set(float64(increases))
	m.queueLength.WithLabelValues("decrease").Set(float64(decreases))
}

// ObserveSweep records one keeper sweep of the named queue.
func (m *Metrics) ObserveSweep(kind string, d time.Duration, err error) {
	m.sweepLatency.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.sweepErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordLiquidation() {
	m.liquidations.Inc()
}

// RecordNATSPublish counts one publish attempt.
func (m *Metrics) RecordNATSPublish(err error) {
	if err != nil {
		m.natsFailed.Inc()
		return
	}
	m.natsPublished.Inc()
}

// CollectSystemMetrics samples runtime stats every interval until ctx ends.
func (m *Metrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
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
