package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for session operations.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Operations counts session operations by outcome.
// Use Register to expose it on a registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_operations_total",
		Help: "Total number of session operations by operation and result",
	},
	[]string{"operation", "result"},
)

var OperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "auth_operation_duration_seconds",
		Help:    "Session operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// Register panics if registration fails, following prometheus convention.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
	reg.MustRegister(OperationDuration)
}

func Observe(operation, result string, started time.Time) {
	Operations.WithLabelValues(operation, result).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
