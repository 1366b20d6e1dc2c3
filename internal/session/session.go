// Package session drives one serial connection through acquire, open,
// read and close, feeding every parsed record to a sink.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/internal/ingest"
	"github.com/ponytojas/go-serial-sensors/internal/metrics"
	"github.com/ponytojas/go-serial-sensors/internal/models"
	"github.com/ponytojas/go-serial-sensors/internal/protocol"
	"github.com/ponytojas/go-serial-sensors/internal/serialport"
)

const (
	// DefaultLineRate matches the firmware of the sensor board
	DefaultLineRate = 9600
	// DefaultSinkTimeout bounds how long one reading may spend in the sinks
	DefaultSinkTimeout = 5 * time.Second
)

// Config holds the parameters of a session
type Config struct {
	LineRate    int
	DeviceID    string
	SinkTimeout time.Duration
}

// Session owns one connection. Construction does no I/O; Connect starts it.
type Session struct {
	id       string
	cfg      Config
	provider serialport.Provider
	sink     ingest.Sink
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	state     State
	port      serialport.Port
	portName  string
	startedAt time.Time
	cancel    context.CancelFunc
	err       error
	done      chan struct{}
	closeOnce sync.Once

	// set when Disconnect arrives before the read loop exists
	stopRequested bool
}

// New creates an idle session
func New(provider serialport.Provider, sink ingest.Sink, cfg Config, m *metrics.Metrics) *Session {
	if cfg.LineRate <= 0 {
		cfg.LineRate = DefaultLineRate
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	return &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		provider: provider,
		sink:     sink,
		metrics:  m,
		now:      time.Now,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// ID returns the unique id of the session
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the name of the acquired port, empty before acquisition
func (s *Session) Port() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portName
}

// StartedAt returns when the session started reading
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Err returns the terminal error, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches Closed or Failed
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		log.Warn().
			Str("session", s.id).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Invalid session state transition attempted")
		return false
	}
	s.state = to
	s.mu.Unlock()

	log.Debug().Str("session", s.id).Str("state", to.String()).Msg("Session state changed")
	return true
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(StateFailed)
	s.metrics.SessionFinished(StateFailed.String())
	close(s.done)
	return err
}

// Connect acquires and opens the port, then starts the read loop in the
// background. ctx bounds acquisition and open only; the loop runs until
// Disconnect, end of stream, or a read error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateOpening
	s.mu.Unlock()

	port, err := s.provider.Acquire(ctx)
	if err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("Failed to acquire serial port")
		return s.fail(&AcquisitionError{Err: err})
	}

	s.mu.Lock()
	s.portName = port.Name()
	s.mu.Unlock()

	if err := port.Open(serialport.Options{LineRate: s.cfg.LineRate}); err != nil {
		log.Error().Err(err).Str("session", s.id).Str("port", port.Name()).Msg("Failed to open serial port")
		return s.fail(&OpenError{Port: port.Name(), Err: err})
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.port = port
	s.cancel = cancel
	s.startedAt = s.now()
	if s.stopRequested {
		cancel()
	}
	s.mu.Unlock()
	s.setState(StateReading)

	log.Info().
		Str("session", s.id).
		Str("port", port.Name()).
		Int("line_rate", s.cfg.LineRate).
		Msg("Serial session reading")

	go s.run(loopCtx, port)
	return nil
}

func (s *Session) run(ctx context.Context, port serialport.Port) {
	s.metrics.SetReading(true)
	defer s.metrics.SetReading(false)

	var readErr error
	for line, err := range protocol.Lines(ctx, port) {
		if err != nil {
			readErr = err
			break
		}
		s.dispatch(ctx, line)
	}

	cancelled := ctx.Err() != nil
	s.releaseCancel()

	if readErr != nil && !cancelled {
		s.metrics.ReadError()
		log.Error().Err(readErr).Str("session", s.id).Msg("Serial read failed")
		if err := s.closePort(port); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Error closing serial port")
		}
		_ = s.fail(&ReadError{Port: port.Name(), Err: readErr})
		return
	}
	if readErr != nil {
		log.Debug().Err(readErr).Str("session", s.id).Msg("Read error after disconnect request ignored")
	}

	s.setState(StateClosing)
	if err := s.closePort(port); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Error closing serial port")
	}
	s.setState(StateClosed)
	s.metrics.SessionFinished(StateClosed.String())
	log.Info().Str("session", s.id).Bool("requested", cancelled).Msg("Serial session closed")
	close(s.done)
}

func (s *Session) releaseCancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) dispatch(ctx context.Context, line string) {
	rec, skipped := protocol.ParseCounting(line)
	s.metrics.LineFramed(skipped, len(rec))
	if skipped > 0 {
		log.Debug().Str("session", s.id).Str("line", line).Int("skipped", skipped).Msg("Skipped malformed fields")
	}
	if len(rec) == 0 || s.sink == nil {
		return
	}

	reading := models.Reading{
		Timestamp: s.now(),
		DeviceID:  s.cfg.DeviceID,
		SessionID: s.id,
		Values:    rec,
	}
	// A pending disconnect does not cut delivery short, the timeout does
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SinkTimeout)
	defer cancel()
	if err := s.sink.HandleReading(sinkCtx, reading); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Reading not fully delivered")
	}
}

func (s *Session) closePort(port serialport.Port) error {
	var err error
	s.closeOnce.Do(func() {
		err = port.Close()
		s.mu.Lock()
		s.port = nil
		s.mu.Unlock()
	})
	return err
}

// Send writes one command line to the device while reading
func (s *Session) Send(line string) error {
	s.mu.Lock()
	port, state := s.port, s.state
	s.mu.Unlock()

	if state != StateReading || port == nil {
		return ErrNotConnected
	}
	if _, err := port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	return nil
}

// Disconnect requests the read loop to stop after its current chunk and
// waits for the port to be closed.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	state, cancel := s.state, s.cancel
	if state == StateIdle {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.stopRequested = true
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
	return nil
}

// Wait blocks until the session ends and returns its terminal error
func (s *Session) Wait() error {
	if s.State() == StateIdle {
		return ErrNotConnected
	}
	<-s.done
	return s.Err()
}
