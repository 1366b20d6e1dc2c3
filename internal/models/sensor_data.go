package models

import (
	"strconv"
	"strings"
	"time"
)

// Channel identifies one monitored environmental quantity
type Channel int

const (
	Temperature Channel = iota
	Humidity
	Noise
	AirQuality
)

// Channels lists every channel in wire order
var Channels = []Channel{Temperature, Humidity, Noise, AirQuality}

// HistorySize is the maximum number of previous values kept per channel
const HistorySize = 20

// Code returns the single-letter wire code of the channel
func (c Channel) Code() string {
	switch c {
	case Temperature:
		return "T"
	case Humidity:
		return "H"
	case Noise:
		return "N"
	case AirQuality:
		return "A"
	default:
		return ""
	}
}

// String returns the JSON/column friendly name of the channel
func (c Channel) String() string {
	switch c {
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	case Noise:
		return "noise"
	case AirQuality:
		return "air_quality"
	default:
		return "unknown"
	}
}

// ParseChannelCode maps a wire code to its channel
func ParseChannelCode(code string) (Channel, bool) {
	switch code {
	case "T":
		return Temperature, true
	case "H":
		return Humidity, true
	case "N":
		return Noise, true
	case "A":
		return AirQuality, true
	}
	return 0, false
}

// Record is a partial set of channel values decoded from one wire line.
// Channels missing from the line are missing from the map.
type Record map[Channel]float64

// Get returns the value of a channel and whether the record carries it
func (r Record) Get(c Channel) (float64, bool) {
	v, ok := r[c]
	return v, ok
}

// Format renders the record back to the wire format, channels in wire order
func (r Record) Format() string {
	parts := make([]string, 0, len(r))
	for _, c := range Channels {
		v, ok := r[c]
		if !ok {
			continue
		}
		parts = append(parts, c.Code()+":"+strconv.FormatFloat(v, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// Reading is a record stamped with its arrival time and source
type Reading struct {
	Timestamp time.Time
	DeviceID  string
	SessionID string
	Values    Record
}

// Payload is the JSON shape published to message brokers
type Payload struct {
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Noise       *float64  `json:"noise,omitempty"`
	AirQuality  *float64  `json:"air_quality,omitempty"`
}

// Payload converts the reading for publishing; absent channels stay nil
func (r Reading) Payload() Payload {
	p := Payload{
		Timestamp: r.Timestamp,
		DeviceID:  r.DeviceID,
		SessionID: r.SessionID,
	}
	p.Temperature = r.Values.ptr(Temperature)
	p.Humidity = r.Values.ptr(Humidity)
	p.Noise = r.Values.ptr(Noise)
	p.AirQuality = r.Values.ptr(AirQuality)
	return p
}

func (r Record) ptr(c Channel) *float64 {
	v, ok := r[c]
	if !ok {
		return nil
	}
	return &v
}

// ChannelState holds the latest value of a channel and the values it replaced
type ChannelState struct {
	Current float64   `json:"current"`
	History []float64 `json:"history"`
}
