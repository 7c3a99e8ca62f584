// Package metrics exposes Prometheus collectors for the storage request
// pipeline.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandgrain/grain-storage/internal/storage"
)

const namespace = "grain"

// RequestMetrics records every request a storage.Client makes. It satisfies
// storage.Observer.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ storage.Observer = (*RequestMetrics)(nil)

// NewRequestMetrics registers the request collectors on reg.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "requests_total",
		Help:      "Storage requests by operation, status code and result.",
	}, []string{"op", "code", "result"})
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "response_bytes_total",
		Help:      "Response body bytes delivered to consumers.",
	}, []string{"op"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "retries_total",
		Help:      "Attempts discarded and retried.",
	}, []string{"op"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "request_duration_seconds",
		Help:      "Time from opening a request to its terminal event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	requests = register(reg, requests)
	bytes = register(reg, bytes)
	retries = register(reg, retries)
	latency = register(reg, latency)

	return &RequestMetrics{
		requests: requests,
		bytes:    bytes,
		retries:  retries,
		latency:  latency,
	}
}

// register adds c to reg. When an identical collector is already registered,
// that one is returned so every client on reg records into the same series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}

	return c
}

// ObserveRequest records the terminal outcome of one request.
func (m *RequestMetrics) ObserveRequest(op string, status int, err error, d time.Duration) {
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}

	m.requests.WithLabelValues(op, code, Result(status, err)).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveBytes adds body bytes read by a consumer.
func (m *RequestMetrics) ObserveBytes(op string, n int64) {
	m.bytes.WithLabelValues(op).Add(float64(n))
}

// ObserveRetry counts one retried attempt.
func (m *RequestMetrics) ObserveRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

// Result maps an outcome to the result label.
func Result(status int, err error) string {
	switch {
	case errors.Is(err, storage.ErrAborted):
		return "aborted"
	case errors.Is(err, storage.ErrAuthFailure):
		return "auth_error"
	case err != nil:
		return "error"
	case status >= 400:
		return "http_error"
	default:
		return "ok"
	}
}
