package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anomaly_bot"

// Metrics коллекторы сервиса. Методы безопасны для nil, чтобы тесты и
// компоненты могли работать без регистрации.
type Metrics struct {
	Registry *prometheus.Registry

	anomalies   *prometheus.CounterVec
	orders      *prometheus.CounterVec
	positions   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	fetchErrors prometheus.Counter
	ledger      prometheus.Gauge
	ledgerMax   prometheus.Gauge
	tick        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Anomaly triggers by detection mode.",
			},
			[]string{"mode"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Limit orders by outcome (placed, failed, canceled, filled).",
			},
			[]string{"result"},
		),
		positions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_total",
				Help:      "Positions by transition (opened, closed).",
			},
			[]string{"result"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_rejected_total",
				Help:      "Triggers not acted upon, by reason.",
			},
			[]string{"reason"},
		),
		fetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "market_data_errors_total",
				Help:      "Failed market data fetches.",
			},
		),
		ledger: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_symbols",
				Help:      "Symbols holding a pending order or an open position.",
			},
		),
		ledgerMax: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_symbols_max",
				Help:      "Configured concurrency cap.",
			},
		),
		tick: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Monitor loop tick duration.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	m.Registry.MustRegister(
		m.anomalies, m.orders, m.positions, m.rejected,
		m.fetchErrors, m.ledger, m.ledgerMax, m.tick,
	)
	return m
}

func (m *Metrics) Anomaly(mode string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(mode).Inc()
}

func (m *Metrics) Order(result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(result).Inc()
}

func (m *Metrics) Position(result string) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(result).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) FetchError() {
	if m == nil {
		return
	}
	m.fetchErrors.Inc()
}

func (m *Metrics) Ledger(n, max int) {
	if m == nil {
		return
	}
	m.ledger.Set(float64(n))
	m.ledgerMax.Set(float64(max))
}

func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.tick.Observe(d.Seconds())
}

func (m *Metrics) OrdersCounter(result string) prometheus.Counter {
	return m.orders.WithLabelValues(result)
}

func (m *Metrics) LedgerGauge() prometheus.Gauge { return m.ledger }
