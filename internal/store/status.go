package store

import "github.com/ponytojas/go-serial-sensors/internal/models"

// Status classifies a value against its comfortable range
type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
)

// warningMargin is how close to a bound a value turns into a warning
const warningMargin = 5

// Range is the comfortable band of a channel. When Inverted, only the
// upper side matters: above Min warns, above Max alerts.
type Range struct {
	Min      float64
	Max      float64
	Inverted bool
}

// Ranges per channel
var Ranges = map[models.Channel]Range{
	models.Temperature: {Min: 15, Max: 30},
	models.Humidity:    {Min: 30, Max: 70},
	models.Noise:       {Min: 0, Max: 50, Inverted: true},
	models.AirQuality:  {Min: 50, Max: 80},
}

// Classify returns the status of value within r
func (r Range) Classify(value float64) Status {
	if r.Inverted {
		switch {
		case value > r.Max:
			return StatusAlert
		case value > r.Min:
			return StatusWarning
		default:
			return StatusNormal
		}
	}

	switch {
	case value < r.Min || value > r.Max:
		return StatusAlert
	case value < r.Min+warningMargin || value > r.Max-warningMargin:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Classify returns the status of a channel value
func Classify(c models.Channel, value float64) Status {
	r, ok := Ranges[c]
	if !ok {
		return StatusNormal
	}
	return r.Classify(value)
}
