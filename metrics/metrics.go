// Copyright (C) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "donations"

	readHeaderTimeout = 10 * time.Second
)

// LedgerMetrics counts ledger operations. A nil *LedgerMetrics records
// nothing.
type LedgerMetrics struct {
	donations        prometheus.Counter
	failedOperations *prometheus.CounterVec
	thresholdProofs  *prometheus.CounterVec
	resets           prometheus.Counter
}

func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := LedgerMetrics{
		donations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "donations_total",
				Help:      "Number of donations recorded",
			},
		),
		failedOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failed_operations_total",
				Help:      "Number of ledger operations that aborted",
			},
			[]string{"operation", "reason"},
		),
		thresholdProofs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threshold_proofs_total",
				Help:      "Number of threshold proofs answered, by result",
			},
			[]string{"result"},
		),
		resets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resets_total",
				Help:      "Number of owner resets",
			},
		),
	}

	registerer.MustRegister(m.donations)
	registerer.MustRegister(m.failedOperations)
	registerer.MustRegister(m.thresholdProofs)
	registerer.MustRegister(m.resets)

	return &m
}

func (m *LedgerMetrics) IncDonations() {
	if m == nil {
		return
	}
	m.donations.Inc()
}

func (m *LedgerMetrics) IncFailedOperation(operation, reason string) {
	if m == nil {
		return
	}
	m.failedOperations.WithLabelValues(operation, reason).Inc()
}

func (m *LedgerMetrics) IncThresholdProof(result bool) {
	if m == nil {
		return
	}
	m.thresholdProofs.WithLabelValues(fmt.Sprint(result)).Inc()
}

func (m *LedgerMetrics) IncResets() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// APIMetrics tracks requests served by the dev node
type APIMetrics struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.GaugeVec
}

func NewAPIMetrics(registerer prometheus.Registerer) *APIMetrics {
	m := APIMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Number of API requests, by method",
			},
			[]string{"method"},
		),
		requestLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "api_request_latency_ms",
				Help:      "Latency of the last API request in milliseconds",
			},
			[]string{"method"},
		),
	}

	registerer.MustRegister(m.requests)
	registerer.MustRegister(m.requestLatency)

	return &m
}

// Observe records one request to method that started at start
func (m *APIMetrics) Observe(method string, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
	m.requestLatency.WithLabelValues(method).Set(float64(time.Since(start).Milliseconds()))
}

// StartMetricsServer serves gatherer on port at /metrics. Errors after
// startup are logged.
func StartMetricsServer(logger log.Logger, port uint16, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Info("starting metrics server", log.Int("port", int(port)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", log.Err(err))
		}
	}()
	return server
}
