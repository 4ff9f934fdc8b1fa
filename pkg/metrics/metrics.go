// Package metrics exposes linkgate's prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts after transient closes or dial failures.",
		},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linkgate",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently held by the registry.",
		},
	)
	credentialSaveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "credentials",
			Name:      "save_failures_total",
			Help:      "Credential updates that could not be persisted.",
		},
	)
	dispatchRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "dispatch",
			Name:      "recipients_total",
			Help:      "Dispatch recipients by outcome.",
		},
		[]string{"outcome"},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "linkgate",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to attempt every recipient of one dispatch request.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linkgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linkgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			stateTransitions,
			reconnectAttempts,
			liveSessions,
			credentialSaveFailures,
			dispatchRecipients,
			dispatchDuration,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordTransition(from, to string) {
	Register()
	stateTransitions.WithLabelValues(from, to).Inc()
}

func RecordReconnectAttempt() {
	Register()
	reconnectAttempts.Inc()
}

func SetLiveSessions(n int) {
	Register()
	liveSessions.Set(float64(n))
}

func RecordCredentialSaveFailure() {
	Register()
	credentialSaveFailures.Inc()
}

func RecordDispatch(sent, failed int, duration time.Duration) {
	Register()
	dispatchRecipients.WithLabelValues("sent").Add(float64(sent))
	dispatchRecipients.WithLabelValues("failed").Add(float64(failed))
	dispatchDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
