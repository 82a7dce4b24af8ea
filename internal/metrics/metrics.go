// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты распределения для метки result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultPending  = "projection_pending"
	ResultError    = "error"
)

// Metrics хранит метрики сервиса.
type Metrics struct {
	Donations           prometheus.Counter
	DonatedAmount       prometheus.Counter
	Distributions       *prometheus.CounterVec
	DistributedAmount   prometheus.Counter
	ProjectionRetries   prometheus.Counter
	ProjectionsRepaired prometheus.Counter
	Mismatches          *prometheus.CounterVec
	LedgerCallDuration  *prometheus.HistogramVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New регистрирует метрики в reg. Для тестов удобно передавать prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Donations: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_ledger_donations_total",
			Help: "Total number of donations recorded in the ledger",
		}),
		DonatedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_ledger_donated_minor_units_total",
			Help: "Sum of donated amounts in minor units",
		}),
		Distributions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_ledger_distributions_total",
			Help: "Distribution attempts by result",
		}, []string{"result"}),
		DistributedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_ledger_distributed_minor_units_total",
			Help: "Sum of distributed amounts in minor units",
		}),
		ProjectionRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_ledger_projection_retries_total",
			Help: "Retries of the application projection after a ledger distribution",
		}),
		ProjectionsRepaired: f.NewCounter(prometheus.CounterOpts{
			Name: "donation_ledger_projections_repaired_total",
			Help: "Distributions applied to applications by the background repairer",
		}),
		Mismatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "donation_ledger_reconciliation_mismatches_total",
			Help: "Reconciliation mismatches between the ledger and the workflow store by kind",
		}, []string{"kind"}),
		LedgerCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "donation_ledger_ledger_call_duration_seconds",
			Help:    "Latency of mutating ledger calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "donation_ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

// ObserveDonation учитывает записанное пожертвование.
func (m *Metrics) ObserveDonation(amount int64) {
	m.Donations.Inc()
	m.DonatedAmount.Add(float64(amount))
}

// ObserveDistribution учитывает попытку распределения.
func (m *Metrics) ObserveDistribution(result string, amount int64) {
	m.Distributions.WithLabelValues(result).Inc()
	if result == ResultOK || result == ResultPending {
		m.DistributedAmount.Add(float64(amount))
	}
}

// IncrementProjectionRetries учитывает повтор обновления заявки.
func (m *Metrics) IncrementProjectionRetries() {
	m.ProjectionRetries.Inc()
}

// IncrementRepaired учитывает распределение, применённое фоновым восстановлением.
func (m *Metrics) IncrementRepaired() {
	m.ProjectionsRepaired.Inc()
}

// IncrementMismatch учитывает расхождение вида kind.
func (m *Metrics) IncrementMismatch(kind string) {
	m.Mismatches.WithLabelValues(kind).Inc()
}

// ObserveLedgerCall учитывает длительность изменяющего вызова реестра.
func (m *Metrics) ObserveLedgerCall(op string, started time.Time) {
	m.LedgerCallDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveHTTPRequest учитывает длительность HTTP-запроса.
func (m *Metrics) ObserveHTTPRequest(method, status string, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, status).Observe(d.Seconds())
}
