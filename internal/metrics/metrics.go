package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventrelay"

// Recorder holds the Prometheus collectors of the subsystem. All methods are
// safe on a nil *Recorder, so components can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	published          *prometheus.CounterVec
	publishLatency     *prometheus.HistogramVec
	connectionState    prometheus.Gauge
	statusTransitions  *prometheus.CounterVec
	provisioned        *prometheus.CounterVec
	correlationWaits   *prometheus.CounterVec
	correlationPending prometheus.Gauge
	handled            *prometheus.CounterVec
	handlerLatency     *prometheus.HistogramVec
}

// New creates a recorder with its own registry
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Publish attempts by subject and outcome",
		}, []string{"subject", "outcome"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish call to broker acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms to ~4s
		}, []string{"subject"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_state",
			Help:      "Current broker state: 0 disconnected, 1 connecting, 2 connected, 3 closed",
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_status_transitions_total",
			Help:      "Broker status transitions by target state",
		}, []string{"state"}),
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_provisioned_total",
			Help:      "Stream provisioning runs by stream and outcome",
		}, []string{"stream", "outcome"}),
		correlationWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_waits_total",
			Help:      "Finished correlation waits by outcome",
		}, []string{"subject", "outcome"}),
		correlationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_pending",
			Help:      "Correlation waits currently registered",
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_messages_total",
			Help:      "Delivered messages by durable consumer and disposition",
		}, []string{"durable", "disposition"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Subscriber handler execution time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"durable"}),
	}

	registry.MustRegister(
		r.published,
		r.publishLatency,
		r.connectionState,
		r.statusTransitions,
		r.provisioned,
		r.correlationWaits,
		r.correlationPending,
		r.handled,
		r.handlerLatency,
	)

	return r
}

// Registry returns the registry for exposition
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Published(subject, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(subject, outcome).Inc()
	r.publishLatency.WithLabelValues(subject).Observe(took.Seconds())
}

func (r *Recorder) ConnectionState(state int, name string) {
	if r == nil {
		return
	}
	r.connectionState.Set(float64(state))
	r.statusTransitions.WithLabelValues(name).Inc()
}

func (r *Recorder) Provisioned(stream, outcome string) {
	if r == nil {
		return
	}
	r.provisioned.WithLabelValues(stream, outcome).Inc()
}

func (r *Recorder) CorrelationStarted() {
	if r == nil {
		return
	}
	r.correlationPending.Inc()
}

func (r *Recorder) CorrelationFinished(subject, outcome string) {
	if r == nil {
		return
	}
	r.correlationPending.Dec()
	r.correlationWaits.WithLabelValues(subject, outcome).Inc()
}

func (r *Recorder) Handled(durable, disposition string, took time.Duration) {
	if r == nil {
		return
	}
	r.handled.WithLabelValues(durable, disposition).Inc()
	r.handlerLatency.WithLabelValues(durable).Observe(took.Seconds())
}
