// Package telemetry exports session and auth event counters to Prometheus.
package telemetry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder counts named events under one labelled counter.
type PrometheusRecorder struct {
	events *prometheus.CounterVec
}

// NewPrometheusRecorder registers <namespace>_<subsystem>_events_total on registerer.
// Registering the same name twice reuses the existing collector.
func NewPrometheusRecorder(registerer prometheus.Registerer, namespace string, subsystem string) (*PrometheusRecorder, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_total",
		Help:      "Session lifecycle events by name.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if !errors.As(err, &alreadyRegistered) {
			return nil, fmt.Errorf("telemetry.register: %w", err)
		}
		existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("telemetry.register: collector type mismatch: %w", err)
		}
		events = existing
	}
	return &PrometheusRecorder{events: events}, nil
}

// Increment increases the counter for event.
func (recorder *PrometheusRecorder) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Handler serves the exposition format for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
