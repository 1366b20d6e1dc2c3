// Package store keeps the latest value and a bounded history per channel.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/ponytojas/go-serial-sensors/internal/metrics"
	"github.com/ponytojas/go-serial-sensors/internal/models"
)

// Defaults shown before the first reading arrives
var Defaults = map[models.Channel]float64{
	models.Temperature: 22.5,
	models.Humidity:    45,
	models.Noise:       35,
	models.AirQuality:  85,
}

// Store holds a ChannelState per channel
type Store struct {
	mu       sync.RWMutex
	states   map[models.Channel]*models.ChannelState
	updated  time.Time
	capacity int
	metrics  *metrics.Metrics
}

// New creates a store seeded with Defaults and a history bound of models.HistorySize
func New(m *metrics.Metrics) *Store {
	return NewWithCapacity(models.HistorySize, m)
}

// NewWithCapacity creates a store with a custom history bound
func NewWithCapacity(capacity int, m *metrics.Metrics) *Store {
	if capacity < 1 {
		capacity = 1
	}
	s := &Store{
		states:   make(map[models.Channel]*models.ChannelState, len(models.Channels)),
		capacity: capacity,
		metrics:  m,
	}
	for _, c := range models.Channels {
		s.states[c] = &models.ChannelState{Current: Defaults[c], History: []float64{}}
	}
	return s
}

// Apply pushes each present channel's current value onto its history,
// evicting the oldest entry past capacity, then sets the new value.
func (s *Store) Apply(rec models.Record) {
	if len(rec) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for c, v := range rec {
		st, ok := s.states[c]
		if !ok {
			continue
		}
		st.History = append(st.History, st.Current)
		if over := len(st.History) - s.capacity; over > 0 {
			st.History = append(st.History[:0:0], st.History[over:]...)
		}
		st.Current = v
		s.metrics.ChannelValue(c.String(), v)
	}
	s.updated = time.Now()
}

// Name identifies the store among reading sinks
func (s *Store) Name() string {
	return "store"
}

// HandleReading applies the reading's values
func (s *Store) HandleReading(_ context.Context, r models.Reading) error {
	s.Apply(r.Values)
	return nil
}

// Get returns a copy of one channel's state
func (s *Store) Get(c models.Channel) models.ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.states[c])
}

// Snapshot is a point-in-time copy of every channel
type Snapshot struct {
	Channels  map[models.Channel]models.ChannelState
	UpdatedAt time.Time
}

// Current returns the current value of a channel in the snapshot
func (s Snapshot) Current(c models.Channel) float64 {
	return s.Channels[c].Current
}

// Snapshot copies the full state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Channels:  make(map[models.Channel]models.ChannelState, len(s.states)),
		UpdatedAt: s.updated,
	}
	for c, st := range s.states {
		snap.Channels[c] = copyState(st)
	}
	return snap
}

func copyState(st *models.ChannelState) models.ChannelState {
	if st == nil {
		return models.ChannelState{History: []float64{}}
	}
	h := make([]float64, len(st.History))
	copy(h, st.History)
	return models.ChannelState{Current: st.Current, History: h}
}
