// Package metrics exposes Prometheus collectors for the co-sign daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cosign"

var connectionStates = []string{"disconnected", "connecting", "connected"}

var (
	authorizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization attempts by operation, final status and error code.",
		},
		[]string{"operation", "status", "code"},
	)

	authorizationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorization_duration_seconds",
			Help:      "Time from user intent to outcome, including the signing prompt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	inFlightRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_in_flight_refusals_total",
			Help:      "Invocations refused because the same action was already in flight.",
		},
		[]string{"operation"},
	)

	events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events appended to the activity log by message type and sender.",
		},
		[]string{"message_type", "sender"},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connection_state",
			Help:      "1 for the current session channel state, 0 otherwise.",
		},
		[]string{"state"},
	)

	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Successful reconnections of the session channel.",
		},
	)

	jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Authorization jobs processed by the worker pool.",
		},
		[]string{"operation", "status"},
	)
)

// ObserveAuthorization 记录一次授权尝试的结果与耗时。code 为空表示成功。
func ObserveAuthorization(operation, status, code string, duration time.Duration) {
	authorizations.WithLabelValues(operation, status, code).Inc()
	authorizationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveInFlightRefusal 记录被在途保护拒绝的重复调用。
func ObserveInFlightRefusal(operation string) {
	inFlightRefusals.WithLabelValues(operation).Inc()
}

// ObserveEvent 记录追加到日志的事件。
func ObserveEvent(messageType, sender string) {
	events.WithLabelValues(messageType, sender).Inc()
}

// SetConnectionState 将当前状态置 1，其余状态置 0。
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}

// ObserveReconnect 记录一次成功的重连。
func ObserveReconnect() {
	reconnects.Inc()
}

// ObserveJob 记录任务队列中一个授权任务的处理结果。
func ObserveJob(operation, status string) {
	jobs.WithLabelValues(operation, status).Inc()
}
