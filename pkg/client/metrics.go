package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtrace_reports_total",
			Help: "Total number of reports handled, by outcome",
		},
		[]string{"outcome"},
	)

	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backtrace_report_send_duration_seconds",
			Help:    "Time spent submitting a report",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)
)

// RegisterMetrics registers the client collectors with reg. Registering twice
// with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{reportsTotal, sendDuration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
