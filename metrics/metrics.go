// Package metrics exposes the courier app's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so callers can run without a
// registry (tests, the repair command).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SyncRunsTotal         *prometheus.CounterVec
	EarningsAppendedTotal prometheus.Counter
	WithdrawalsTotal      *prometheus.CounterVec
	BalanceGauge          prometheus.Gauge
	MalformedRecordsTotal prometheus.Counter
	DeliveryTransitions   *prometheus.CounterVec
	ReconcileJobsTotal    *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SyncRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_wallet_sync_runs_total",
				Help: "Delivery-to-ledger synchronizer runs by result (ok, skipped, failed)",
			},
			[]string{"result"},
		),
		EarningsAppendedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_wallet_earnings_appended_total",
				Help: "Delivery earnings appended to the ledger",
			},
		),
		WithdrawalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_wallet_withdrawals_total",
				Help: "Withdrawal attempts by result (ok, rejected, failed, cancelled)",
			},
			[]string{"result"},
		),
		BalanceGauge: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_wallet_available_balance",
				Help: "Available balance after the last recompute",
			},
		),
		MalformedRecordsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_wallet_malformed_records_total",
				Help: "Persisted records skipped because they could not be decoded",
			},
		),
		DeliveryTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_delivery_transitions_total",
				Help: "Delivery status changes by target status",
			},
			[]string{"status"},
		),
		ReconcileJobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_reconcile_jobs_total",
				Help: "Fallback reconciliation job runs by result",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// =============================================================================
// WALLET RECORDER
// =============================================================================

func (m *Metrics) SyncRun(result string) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) EarningsAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EarningsAppendedTotal.Add(float64(n))
}

func (m *Metrics) Withdrawal(result string) {
	if m == nil {
		return
	}
	m.WithdrawalsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AvailableBalance(v float64) {
	if m == nil {
		return
	}
	m.BalanceGauge.Set(v)
}

func (m *Metrics) MalformedRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedRecordsTotal.Add(float64(n))
}

// =============================================================================
// OTHER COMPONENTS
// =============================================================================

func (m *Metrics) DeliveryTransition(status string) {
	if m == nil {
		return
	}
	m.DeliveryTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ReconcileJob(result string) {
	if m == nil {
		return
	}
	m.ReconcileJobsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
