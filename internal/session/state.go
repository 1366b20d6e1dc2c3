package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a session
type State int

const (
	StateIdle State = iota
	StateOpening
	StateReading
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateReading:
		return "reading"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Active reports whether the session holds or is acquiring a connection
func (s State) Active() bool {
	return s == StateOpening || s == StateReading || s == StateClosing
}

var transitions = map[State][]State{
	StateIdle:    {StateOpening},
	StateOpening: {StateReading, StateFailed},
	StateReading: {StateClosing, StateFailed},
	StateClosing: {StateClosed},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrAlreadyStarted is returned when connecting a session that is not idle
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotConnected is returned when there is no active session to act on
	ErrNotConnected = errors.New("session not connected")
)

// AcquisitionError means no port could be obtained (no transport, no device selected)
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire serial port: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// OpenError means the port was acquired but could not be opened
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open serial port %s: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError means the byte stream failed while reading
type ReadError struct {
	Port string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read from serial port %s: %v", e.Port, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
