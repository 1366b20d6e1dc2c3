// Package metrics exposes Prometheus instrumentation for the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensors"

// Metrics holds the pipeline counters and gauges
type Metrics struct {
	linesFramed    prometheus.Counter
	fieldsSkipped  prometheus.Counter
	recordsParsed  prometheus.Counter
	emptyRecords   prometheus.Counter
	readErrors     prometheus.Counter
	sessions       *prometheus.CounterVec
	sinkErrors     *prometheus.CounterVec
	channelValue   *prometheus.GaugeVec
	sessionRunning prometheus.Gauge
}

// New creates the metrics and registers them with reg.
// Returns nil when reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		linesFramed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_framed_total",
			Help:      "Complete non-empty lines framed from the serial stream",
		}),
		fieldsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "fields_skipped_total",
			Help:      "Malformed or unknown fields skipped while parsing",
		}),
		recordsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "records_parsed_total",
			Help:      "Records with at least one channel value",
		}),
		emptyRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "empty_records_total",
			Help:      "Lines that produced no channel values",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "read_errors_total",
			Help:      "Sessions terminated by a read error",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Sessions by terminal state",
		}, []string{"state"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Errors returned by reading sinks",
		}, []string{"sink"}),
		channelValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_value",
			Help:      "Latest value per sensor channel",
		}, []string{"channel"}),
		sessionRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reading",
			Help:      "1 while a session is reading from the serial port",
		}),
	}

	collectors := []prometheus.Collector{
		m.linesFramed, m.fieldsSkipped, m.recordsParsed, m.emptyRecords, m.readErrors,
		m.sessions, m.sinkErrors, m.channelValue, m.sessionRunning,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LineFramed counts one framed line and the fields skipped while parsing it
func (m *Metrics) LineFramed(skipped, values int) {
	if m == nil {
		return
	}
	m.linesFramed.Inc()
	m.fieldsSkipped.Add(float64(skipped))
	if values == 0 {
		m.emptyRecords.Inc()
	} else {
		m.recordsParsed.Inc()
	}
}

// ReadError counts a session-ending read failure
func (m *Metrics) ReadError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

// SessionFinished counts a session reaching a terminal state
func (m *Metrics) SessionFinished(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Inc()
}

// SetReading flags whether a session is currently reading
func (m *Metrics) SetReading(reading bool) {
	if m == nil {
		return
	}
	if reading {
		m.sessionRunning.Set(1)
	} else {
		m.sessionRunning.Set(0)
	}
}

// SinkError counts an error returned by the named sink
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// ChannelValue records the latest value of a channel
func (m *Metrics) ChannelValue(channel string, value float64) {
	if m == nil {
		return
	}
	m.channelValue.WithLabelValues(channel).Set(value)
}
