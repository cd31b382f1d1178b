// Package metrics holds the prometheus collectors of the vendor integration engine.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ReadHeaderTimeout = 2 * time.Second
)

// VendorBuckets spans fast API answers to slow SOAP services, 50ms to 30s.
var VendorBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// VendorAttemptsTotal counts every dispatched vendor attempt by result kind.
	VendorAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_vendor_attempts_total",
			Help: "Vendor call attempts",
		},
		[]string{"vendor", "result"},
	)

	// VendorLatency records the duration of one vendor attempt in seconds.
	VendorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetops_vendor_latency_seconds",
			Help:    "Vendor attempt latency",
			Buckets: VendorBuckets,
		},
		[]string{"vendor"},
	)

	// VendorRetriesTotal counts attempts made after the first one.
	VendorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_vendor_retries_total",
			Help: "Vendor call retries",
		},
		[]string{"vendor"},
	)

	// CircuitState is 0 closed, 1 half-open, 2 open.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assetops_circuit_state",
			Help: "Circuit breaker state per vendor",
		},
		[]string{"vendor"},
	)

	// CircuitRejectedTotal counts calls refused because the circuit was open.
	CircuitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_circuit_rejected_total",
			Help: "Calls rejected by an open circuit",
		},
		[]string{"vendor"},
	)

	// RateLimitRejectedTotal counts calls refused by an exhausted token budget.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_ratelimit_rejected_total",
			Help: "Calls rejected by the vendor rate limiter",
		},
		[]string{"vendor"},
	)

	// OperationsTotal counts engine operations by kind and overall status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_operations_total",
			Help: "Engine operations",
		},
		[]string{"kind", "status"},
	)

	// OperationRunTimeSummary observes end to end operation duration.
	OperationRunTimeSummary = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "assetops_operation_runtime_seconds",
			Help: "Engine operation runtime",
		},
		[]string{"kind", "status"},
	)

	// DedupHitsTotal counts requests answered from the idempotency cache.
	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetops_dedup_hits_total",
			Help: "Duplicate requests collapsed onto an earlier call",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		VendorAttemptsTotal,
		VendorLatency,
		VendorRetriesTotal,
		CircuitState,
		CircuitRejectedTotal,
		RateLimitRejectedTotal,
		OperationsTotal,
		OperationRunTimeSummary,
		DedupHitsTotal,
	)
}

// ListenAndServe exposes the prometheus metrics endpoint on address.
func ListenAndServe(address string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: ReadHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}()

	slog.Info("metrics enabled", "endpoint", address+"/metrics")
}
