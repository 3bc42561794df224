package extensions

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	opflow "github.com/opflow/opflow-go"
)

// MetricsObserver exports operation outcomes to Prometheus: a counter of
// terminal outcomes per key, a duration histogram and an in-flight gauge.
type MetricsObserver struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetricsObserver creates a metrics observer and registers its
// collectors with reg. A nil registerer uses the default one.
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &MetricsObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opflow_operations_total",
			Help: "Terminal operation outcomes by key and result.",
		}, []string{"key", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opflow_operation_duration_seconds",
			Help:    "Operation span duration from acceptance to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"key"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opflow_operations_in_flight",
			Help: "Accepted operations that have not reached a terminal outcome.",
		}, []string{"key"}),
	}

	for _, c := range []prometheus.Collector{o.ops, o.duration, o.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *MetricsObserver) OnOperation(ev opflow.OperationEvent) {
	key := fmt.Sprintf("%v", ev.Key)

	if ev.Start {
		o.inFlight.WithLabelValues(key).Inc()
		return
	}

	o.inFlight.WithLabelValues(key).Dec()
	outcome := "success"
	if ev.Err != nil {
		outcome = "failure"
	}
	o.ops.WithLabelValues(key, outcome).Inc()
	o.duration.WithLabelValues(key).Observe(ev.Elapsed.Seconds())
}
