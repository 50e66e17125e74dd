package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "operations_total",
		Help:      "Stock operations by name and outcome.",
	}, []string{"op", "outcome"})

	duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stock",
		Name:      "operation_duration_seconds",
		Help:      "Stock operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stock",
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring the (sku, warehouse) lock.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"acquired"})

	sweptHolds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "expired_holds_swept_total",
		Help:      "Expired short-lived holds whose locked stock was returned.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "event_publish_failures_total",
		Help:      "Stock events that could not be delivered.",
	})
)

// Outcome переводит ошибку в метку; business: ожидаемые отказы, не считающиеся сбоем.
func Outcome(err error, business ...error) string {
	if err == nil {
		return "ok"
	}
	for _, b := range business {
		if errors.Is(err, b) {
			return "rejected"
		}
	}
	return "error"
}

func ObserveOp(op string, start time.Time, outcome string) {
	operations.WithLabelValues(op, outcome).Inc()
	duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func ObserveLockWait(start time.Time, acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	lockWait.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func IncSwept() { sweptHolds.Inc() }

func IncPublishFailure() { publishFailures.Inc() }
