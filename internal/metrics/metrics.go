package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	relayLabel = "relay_name"
	kindLabel  = "kind"
	sinkLabel  = "sink"
)

// Labels returns the prometheus labels for the relay.
func Labels(name string) prometheus.Labels {
	return prometheus.Labels{relayLabel: name}
}

// KindLabels returns the prometheus labels for a relay fault or resume kind.
func KindLabels(name, kind string) prometheus.Labels {
	return prometheus.Labels{relayLabel: name, kindLabel: kind}
}

// SinkLabels returns the prometheus labels for a relay's sink.
func SinkLabels(name, sink string) prometheus.Labels {
	return prometheus.Labels{relayLabel: name, sinkLabel: sink}
}

var (
	// ConnectAttempts is the number of upstream connection attempts.
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "relay",
		Name:      "connect_attempts_total",
		Help:      "Number of upstream stream connection attempts",
	}, []string{relayLabel})

	// Faults is the number of stream sessions ended per fault kind.
	Faults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "relay",
		Name:      "faults_total",
		Help:      "Number of stream sessions ended per fault kind",
	}, []string{relayLabel, kindLabel})

	// Cursor is the version the next connection attempt starts at.
	Cursor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "txrelay",
		Subsystem: "relay",
		Name:      "cursor",
		Help:      "Version at which the next stream session starts",
	}, []string{relayLabel})

	// State is the current supervisor state as an int.
	State = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "txrelay",
		Subsystem: "relay",
		Name:      "state",
		Help:      "Current supervisor state",
	}, []string{relayLabel})

	// Transactions is the number of upstream transactions processed.
	Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "session",
		Name:      "transactions_total",
		Help:      "Number of upstream transactions processed",
	}, []string{relayLabel})

	// Delivered is the number of events matched and fanned out.
	Delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "session",
		Name:      "events_delivered_total",
		Help:      "Number of matched events fanned out to sinks",
	}, []string{relayLabel})

	// Skipped is the number of matching events dropped due to invalid payloads.
	Skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "session",
		Name:      "events_skipped_total",
		Help:      "Number of matching events skipped due to invalid payloads",
	}, []string{relayLabel})

	// Lag is the delay between transaction timestamps and processing.
	Lag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "txrelay",
		Subsystem: "session",
		Name:      "lag_seconds",
		Help:      "Lag between now and the current transaction timestamp in seconds",
	}, []string{relayLabel})

	// SinkErrors is the number of failed publishes per sink.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Number of failed publishes per sink",
	}, []string{relayLabel, sinkLabel})

	// SinkDropped is the number of events dropped since a sink was too slow.
	SinkDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrelay",
		Subsystem: "sink",
		Name:      "dropped_total",
		Help:      "Number of events dropped due to a full sink buffer",
	}, []string{relayLabel, sinkLabel})

	// SinkLatency is how long a sink takes to publish an event.
	SinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "txrelay",
		Subsystem: "sink",
		Name:      "publish_latency_seconds",
		Help:      "Sink publish latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.1, 1.0, 2.0, 5.0, 10.0},
	}, []string{relayLabel, sinkLabel})
)

func init() {
	prometheus.MustRegister(
		ConnectAttempts,
		Faults,
		Cursor,
		State,
		Transactions,
		Delivered,
		Skipped,
		Lag,
		SinkErrors,
		SinkDropped,
		SinkLatency,
	)
}
