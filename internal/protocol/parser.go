// Package protocol implements the serial wire format: newline framed lines
// of comma separated CODE:VALUE fields, e.g. "T:23.5,H:48,N:40,A:77".
package protocol

import (
	"math"
	"strconv"
	"strings"

	"github.com/ponytojas/go-serial-sensors/internal/models"
)

const (
	fieldSeparator = ","
	valueSeparator = ":"
)

// Parse decodes one line into a record. Malformed fields and unknown codes
// are skipped, so a garbage line yields an empty record.
func Parse(line string) models.Record {
	rec, _ := ParseCounting(line)
	return rec
}

// ParseCounting is Parse that also reports how many fields were skipped
func ParseCounting(line string) (models.Record, int) {
	rec := make(models.Record)
	skipped := 0

	for _, part := range strings.Split(line, fieldSeparator) {
		code, valueStr, found := strings.Cut(part, valueSeparator)
		if !found {
			skipped++
			continue
		}
		// "T:1:2" keeps only the text between the first and second colon
		valueStr, _, _ = strings.Cut(valueStr, valueSeparator)

		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
		if err != nil || math.IsNaN(value) {
			skipped++
			continue
		}

		channel, ok := models.ParseChannelCode(strings.TrimSpace(code))
		if !ok {
			skipped++
			continue
		}
		rec[channel] = value
	}

	return rec, skipped
}

// Format renders a record as a wire line without the trailing newline
func Format(rec models.Record) string {
	return rec.Format()
}
