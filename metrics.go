package cgiclient

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cgiclient",
		Name:      "exchanges_total",
		Help:      "Exchanges by backend kind and outcome.",
	}, []string{"backend", "outcome"})

	exchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cgiclient",
		Name:      "exchange_duration_seconds",
		Help:      "Wall-clock time of whole exchanges, including parsing.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})
)

func observeExchange(backend string, start time.Time, err error) {
	exchangeDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	exchangeTotal.WithLabelValues(backend, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		timeoutErr *TimeoutError
		connErr    *ConnectionError
		backendErr *BackendError
		statusErr  *MalformedStatusError
		processErr *ProcessError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &connErr):
		return "connection_failure"
	case errors.As(err, &backendErr):
		return "backend_error"
	case errors.As(err, &statusErr):
		return "malformed_status"
	case errors.As(err, &processErr):
		return "process_failure"
	}
	return "error"
}
