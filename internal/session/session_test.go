package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponytojas/go-serial-sensors/internal/models"
	"github.com/ponytojas/go-serial-sensors/internal/serialport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// scriptedPort replays chunks sent on feed. A closed feed ends the stream
// with readErr (io.EOF when nil). With idle > 0 a read that sees no data
// returns (0, nil) after idle, like a serial read timeout.
type scriptedPort struct {
	name    string
	feed    chan []byte
	readErr error
	idle    time.Duration
	openErr error

	mu         sync.Mutex
	opts       serialport.Options
	opened     bool
	closeCalls int
	written    bytes.Buffer
}

func newScriptedPort(chunks ...string) *scriptedPort {
	p := &scriptedPort{name: "/dev/ttyTEST0", feed: make(chan []byte, len(chunks)+16)}
	for _, c := range chunks {
		p.feed <- []byte(c)
	}
	return p
}

func (p *scriptedPort) Name() string { return p.name }

func (p *scriptedPort) Open(opts serialport.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.opts = opts
	p.opened = true
	return nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if p.idle > 0 {
		timeout = time.After(p.idle)
	}
	select {
	case chunk, ok := <-p.feed:
		if !ok {
			if p.readErr != nil {
				return 0, p.readErr
			}
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-timeout:
		return 0, nil
	}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

func (p *scriptedPort) closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

type stubProvider struct {
	port serialport.Port
	err  error
	gate chan struct{}
}

func (s *stubProvider) Acquire(ctx context.Context) (serialport.Port, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.port, nil
}

type recordingSink struct {
	mu       sync.Mutex
	readings []models.Reading
	err      error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) HandleReading(_ context.Context, reading models.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return r.err
}

func (r *recordingSink) records() []models.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Record, len(r.readings))
	for i, rd := range r.readings {
		out[i] = rd.Values
	}
	return out
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func TestSessionEndToEnd(t *testing.T) {
	port := newScriptedPort("T:2", "0,H:5\nT:21,H:55\n")
	close(port.feed)
	sink := &recordingSink{}

	s := New(&stubProvider{port: port}, sink, Config{DeviceID: "station-1"}, nil)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, port.closes(), "construction must not touch the port")

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Wait())

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, port.closes())
	assert.Equal(t, DefaultLineRate, port.opts.LineRate)
	assert.Equal(t, []models.Record{
		{models.Temperature: 20, models.Humidity: 5},
		{models.Temperature: 21, models.Humidity: 55},
	}, sink.records())

	first := sink.readings[0]
	assert.Equal(t, "station-1", first.DeviceID)
	assert.Equal(t, s.ID(), first.SessionID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, "/dev/ttyTEST0", s.Port())
}

func TestSessionLineRate(t *testing.T) {
	port := newScriptedPort()
	close(port.feed)

	s := New(&stubProvider{port: port}, nil, Config{LineRate: 115200}, nil)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Wait())
	assert.Equal(t, 115200, port.opts.LineRate)
}

func TestSessionDisconnect(t *testing.T) {
	port := newScriptedPort("T:1\n")
	port.idle = tick
	sink := &recordingSink{}

	s := New(&stubProvider{port: port}, sink, Config{}, nil)
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return sink.count() == 1 }, waitFor, tick)
	assert.Equal(t, StateReading, s.State())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Wait())
	assert.Equal(t, 1, port.closes())

	// A second disconnect is harmless and does not close again
	require.NoError(t, s.Disconnect())
	assert.Equal(t, 1, port.closes())
}

func TestSessionDisconnectMidRead(t *testing.T) {
	port := newScriptedPort()
	sink := &recordingSink{}

	s := New(&stubProvider{port: port}, sink, Config{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Disconnect() }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopRequested
	}, waitFor, tick)

	// The blocked read completes with its chunk, then the loop stops
	port.feed <- []byte("N:40\n")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("disconnect did not return")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, port.closes())
	assert.Equal(t, []models.Record{{models.Noise: 40}}, sink.records())
}

// stallingSink blocks every delivery until its context ends
type stallingSink struct {
	entered chan struct{}
	errs    chan error
}

func (s *stallingSink) Name() string { return "stalling" }

func (s *stallingSink) HandleReading(ctx context.Context, _ models.Reading) error {
	s.entered <- struct{}{}
	<-ctx.Done()
	s.errs <- ctx.Err()
	return ctx.Err()
}

func TestSessionDisconnectWithStalledSink(t *testing.T) {
	port := newScriptedPort("T:1\n")
	port.idle = tick
	sink := &stallingSink{entered: make(chan struct{}, 1), errs: make(chan error, 1)}

	s := New(&stubProvider{port: port}, sink, Config{SinkTimeout: 50 * time.Millisecond}, nil)
	require.NoError(t, s.Connect(context.Background()))

	select {
	case <-sink.entered:
	case <-time.After(waitFor):
		t.Fatal("sink never called")
	}

	done := make(chan error, 1)
	go func() { done <- s.Disconnect() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("disconnect blocked behind a stalled sink")
	}

	assert.ErrorIs(t, <-sink.errs, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, port.closes())
}

func TestSessionDefaultSinkTimeout(t *testing.T) {
	s := New(&stubProvider{}, nil, Config{}, nil)
	assert.Equal(t, DefaultSinkTimeout, s.cfg.SinkTimeout)
}

func TestSessionDisconnectWhileOpening(t *testing.T) {
	port := newScriptedPort()
	port.idle = tick
	provider := &stubProvider{port: port, gate: make(chan struct{})}

	s := New(provider, nil, Config{}, nil)
	connected := make(chan error, 1)
	go func() { connected <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateOpening }, waitFor, tick)

	disconnected := make(chan error, 1)
	go func() { disconnected <- s.Disconnect() }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopRequested
	}, waitFor, tick)

	close(provider.gate)
	require.NoError(t, <-connected)
	require.NoError(t, <-disconnected)

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, port.closes())
}

func TestSessionReadError(t *testing.T) {
	boom := errors.New("device unplugged")
	port := newScriptedPort("T:1\nH:")
	port.readErr = boom
	close(port.feed)
	sink := &recordingSink{}

	s := New(&stubProvider{port: port}, sink, Config{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	err := s.Wait()
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "/dev/ttyTEST0", readErr.Port)

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, port.closes())
	assert.Equal(t, []models.Record{{models.Temperature: 1}}, sink.records())
}

func TestSessionAcquisitionError(t *testing.T) {
	s := New(&stubProvider{err: serialport.ErrNoTransport}, nil, Config{}, nil)

	err := s.Connect(context.Background())
	var acqErr *AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.ErrorIs(t, err, serialport.ErrNoTransport)
	assert.Equal(t, StateFailed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("failed session must be done")
	}
	assert.Equal(t, err, s.Wait())
}

func TestSessionOpenError(t *testing.T) {
	port := newScriptedPort()
	port.openErr = errors.New("device busy")

	s := New(&stubProvider{port: port}, nil, Config{}, nil)
	err := s.Connect(context.Background())

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "/dev/ttyTEST0", openErr.Port)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, port.closes())
}

func TestSessionUsageErrors(t *testing.T) {
	port := newScriptedPort()
	port.idle = tick
	s := New(&stubProvider{port: port}, nil, Config{}, nil)

	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
	assert.ErrorIs(t, s.Wait(), ErrNotConnected)
	assert.ErrorIs(t, s.Send("PING"), ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyStarted)

	require.NoError(t, s.Disconnect())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyStarted)
}

func TestSessionSend(t *testing.T) {
	port := newScriptedPort()
	port.idle = tick
	s := New(&stubProvider{port: port}, nil, Config{}, nil)
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Send("RATE:5"))
	require.NoError(t, s.Disconnect())

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.Equal(t, "RATE:5\n", port.written.String())
}

func TestSessionSkipsEmptyRecordsAndSurvivesSinkErrors(t *testing.T) {
	port := newScriptedPort("garbage\nT:abc\nH:50\n", "A:70\n")
	close(port.feed)
	sink := &recordingSink{err: errors.New("database down")}

	s := New(&stubProvider{port: port}, sink, Config{}, nil)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Wait())

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []models.Record{{models.Humidity: 50}, {models.AirQuality: 70}}, sink.records())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, validTransition(StateIdle, StateOpening))
	assert.True(t, validTransition(StateOpening, StateFailed))
	assert.True(t, validTransition(StateReading, StateFailed))
	assert.False(t, validTransition(StateClosed, StateReading))
	assert.False(t, validTransition(StateIdle, StateReading))
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateReading.Active())
	assert.False(t, StateClosed.Active())
	assert.Equal(t, "closing", StateClosing.String())
}
