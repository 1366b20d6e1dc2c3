// Package ingest defines where parsed readings go once a session produces them.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/internal/metrics"
	"github.com/ponytojas/go-serial-sensors/internal/models"
)

// Sink receives readings in arrival order
type Sink interface {
	Name() string
	HandleReading(ctx context.Context, r models.Reading) error
}

// SinkFunc adapts a function into a Sink
type SinkFunc func(ctx context.Context, r models.Reading) error

// Name implements Sink
func (f SinkFunc) Name() string { return "func" }

// HandleReading implements Sink
func (f SinkFunc) HandleReading(ctx context.Context, r models.Reading) error {
	return f(ctx, r)
}

// Fanout delivers each reading to every sink in order. A failing sink does
// not stop delivery to the others; all errors are joined.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewFanout creates a fanout over the given sinks; nil sinks are ignored
func NewFanout(m *metrics.Metrics, sinks ...Sink) *Fanout {
	f := &Fanout{metrics: m}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink
func (f *Fanout) Add(s Sink) {
	if s != nil {
		f.sinks = append(f.sinks, s)
	}
}

// Name implements Sink
func (f *Fanout) Name() string { return "fanout" }

// Len returns the number of sinks
func (f *Fanout) Len() int { return len(f.sinks) }

// HandleReading implements Sink
func (f *Fanout) HandleReading(ctx context.Context, r models.Reading) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.HandleReading(ctx, r); err != nil {
			f.metrics.SinkError(s.Name())
			log.Error().Err(err).Str("sink", s.Name()).Msg("Sink failed to handle reading")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
