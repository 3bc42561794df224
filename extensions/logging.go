// Package extensions provides ready-made observers for the opflow
// runtime: structured logging via logrus and metrics via Prometheus.
package extensions

import (
	"github.com/sirupsen/logrus"

	opflow "github.com/opflow/opflow-go"
)

// LoggingObserver logs every operation span through logrus.
type LoggingObserver struct {
	log *logrus.Logger
}

// NewLoggingObserver creates a logging observer. A nil logger uses the
// logrus standard logger.
func NewLoggingObserver(log *logrus.Logger) *LoggingObserver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LoggingObserver{log: log}
}

func (o *LoggingObserver) OnOperation(ev opflow.OperationEvent) {
	fields := logrus.Fields{
		"key":  ev.Key,
		"span": ev.Span,
	}
	for k, v := range ev.Metrics {
		fields["metric."+k] = v
	}

	if ev.Start {
		o.log.WithFields(fields).Debug("operation started")
		return
	}

	fields["elapsed"] = ev.Elapsed
	if ev.Err != nil {
		o.log.WithFields(fields).WithError(ev.Err).Warn("operation failed")
		return
	}
	o.log.WithFields(fields).Info("operation finished")
}
