// Package serialport provides the connection capability used by sessions:
// a Provider hands out an unopened Port, which is then opened at a line rate.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

var (
	// ErrNoTransport means no serial device could be found or selected
	ErrNoTransport = errors.New("no compatible serial transport available")
	// ErrNotOpen is returned by I/O on a port that was never opened or is closed
	ErrNotOpen = errors.New("serial port not open")
)

// Options configures how a port is opened
type Options struct {
	LineRate int
}

// Port is an acquired, not yet opened, bidirectional byte channel
type Port interface {
	io.Reader
	io.Writer
	Name() string
	Open(opts Options) error
	Close() error
}

// Provider acquires a port. It is the only place device selection happens.
type Provider interface {
	Acquire(ctx context.Context) (Port, error)
}

// DeviceProvider selects a physical serial device with go.bug.st/serial.
// An empty Path picks the first port reported by the OS.
type DeviceProvider struct {
	Path        string
	ReadTimeout time.Duration

	listPorts func() ([]string, error)
	openPort  func(string, *serial.Mode) (serial.Port, error)
}

// NewDeviceProvider creates a provider for the given device path
func NewDeviceProvider(path string, readTimeout time.Duration) *DeviceProvider {
	return &DeviceProvider{
		Path:        path,
		ReadTimeout: readTimeout,
		listPorts:   serial.GetPortsList,
		openPort:    serial.Open,
	}
}

// Acquire resolves the device path; the port is opened later by the session
func (p *DeviceProvider) Acquire(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := p.Path
	if path == "" {
		ports, err := p.listPorts()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, ErrNoTransport
		}
		path = ports[0]
		log.Info().Strs("available", ports).Str("selected", path).Msg("Auto-selected serial port")
	}

	return &devicePort{
		path:        path,
		readTimeout: p.ReadTimeout,
		open:        p.openPort,
	}, nil
}

type devicePort struct {
	path        string
	readTimeout time.Duration
	open        func(string, *serial.Mode) (serial.Port, error)

	mu   sync.Mutex
	port serial.Port
}

func (d *devicePort) Name() string {
	return d.path
}

func (d *devicePort) Open(opts Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return fmt.Errorf("serial port %s already open", d.path)
	}

	port, err := d.open(d.path, &serial.Mode{
		BaudRate: opts.LineRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
			return fmt.Errorf("%w: %s", ErrNoTransport, d.path)
		}
		return fmt.Errorf("failed to open serial port %s: %w", d.path, err)
	}

	// A read timeout lets the read loop notice cancellation between chunks
	if d.readTimeout > 0 {
		if err := port.SetReadTimeout(d.readTimeout); err != nil {
			_ = port.Close()
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
	}

	d.port = port
	log.Info().Str("port", d.path).Int("line_rate", opts.LineRate).Msg("Serial port opened")
	return nil
}

func (d *devicePort) current() (serial.Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil, ErrNotOpen
	}
	return d.port, nil
}

func (d *devicePort) Read(p []byte) (int, error) {
	port, err := d.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (d *devicePort) Write(p []byte) (int, error) {
	port, err := d.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (d *devicePort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// FileProvider replays a captured byte stream from a file, one pass.
// Useful for running the gateway without hardware attached.
type FileProvider struct {
	Path string
}

// Acquire returns a port backed by the capture file
func (p *FileProvider) Acquire(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, ErrNoTransport
	}
	return &filePort{path: p.Path}, nil
}

type filePort struct {
	path string
	f    *os.File
}

func (f *filePort) Name() string {
	return f.path
}

func (f *filePort) Open(_ Options) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open replay file %s: %w", f.path, err)
	}
	f.f = file
	return nil
}

func (f *filePort) Read(p []byte) (int, error) {
	if f.f == nil {
		return 0, ErrNotOpen
	}
	return f.f.Read(p)
}

func (f *filePort) Write(p []byte) (int, error) {
	if f.f == nil {
		return 0, ErrNotOpen
	}
	// Replays are read-only; writes are accepted and dropped
	return len(p), nil
}

func (f *filePort) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
