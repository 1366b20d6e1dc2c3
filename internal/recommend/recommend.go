// Package recommend turns the current readings into short advice, either
// through an external text generation service or a built-in rule set.
package recommend

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/internal/models"
	"github.com/ponytojas/go-serial-sensors/internal/store"
)

// Generator produces free-form text for a natural-language prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Source tells where a set of recommendations came from
type Source string

const (
	SourceGenerator Source = "generator"
	SourceRules     Source = "rules"
)

// Result is an ordered list of recommendations
type Result struct {
	Recommendations []string `json:"recommendations"`
	Source          Source   `json:"source"`
}

// Service builds recommendations from a snapshot. A nil generator always
// uses the rule set.
type Service struct {
	gen Generator
}

// NewService creates a recommendation service
func NewService(gen Generator) *Service {
	return &Service{gen: gen}
}

// Recommend asks the generator and falls back to the rules when it is
// missing, fails, or returns nothing usable
func (s *Service) Recommend(ctx context.Context, snap store.Snapshot) Result {
	if s.gen != nil {
		text, err := s.gen.Generate(ctx, BuildPrompt(snap))
		if err == nil {
			if recs := Split(text); len(recs) > 0 {
				return Result{Recommendations: recs, Source: SourceGenerator}
			}
			log.Warn().Msg("Generator returned no recommendations, using rules")
		} else {
			log.Error().Err(err).Msg("Error generating recommendations, using rules")
		}
	}
	return Result{Recommendations: Fallback(snap), Source: SourceRules}
}

// BuildPrompt embeds the four current readings in the request text
func BuildPrompt(snap store.Snapshot) string {
	var b strings.Builder
	b.WriteString("You are an environmental monitoring assistant. Based on the following sensor readings, provide ")
	b.WriteString("practical recommendations for improving the environment. Keep recommendations concise and actionable.\n\n")
	fmt.Fprintf(&b, "Temperature: %g°C\n", snap.Current(models.Temperature))
	fmt.Fprintf(&b, "Humidity: %g%%\n", snap.Current(models.Humidity))
	fmt.Fprintf(&b, "Noise Level: %g dB\n", snap.Current(models.Noise))
	fmt.Fprintf(&b, "Air Quality Index: %g\n\n", snap.Current(models.AirQuality))
	b.WriteString("Provide up to 3 specific recommendations based on these readings.")
	return b.String()
}

var numbered = regexp.MustCompile(`\d+\.`)

// Split cuts generated text on "1.", "2." ... markers and drops empty items
func Split(text string) []string {
	var out []string
	for _, part := range numbered.Split(text, -1) {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Fallback applies fixed thresholds to the current readings
func Fallback(snap store.Snapshot) []string {
	var recs []string

	switch temp := snap.Current(models.Temperature); {
	case temp > 28:
		recs = append(recs, "Temperature is high. Consider turning on air conditioning or opening windows for better ventilation.")
	case temp < 18:
		recs = append(recs, "Temperature is low. Consider turning on the heating to keep the environment comfortable.")
	}

	switch hum := snap.Current(models.Humidity); {
	case hum > 65:
		recs = append(recs, "Humidity is high. Consider using a dehumidifier to prevent mould growth and improve comfort.")
	case hum < 30:
		recs = append(recs, "Humidity is low. Consider using a humidifier to prevent dry skin and respiratory issues.")
	}

	if snap.Current(models.Noise) > 60 {
		recs = append(recs, "Noise levels are high. Consider identifying and reducing noise sources or adding acoustic insulation.")
	}

	if snap.Current(models.AirQuality) < 50 {
		recs = append(recs, "Air quality is poor. Consider improving ventilation, using an air purifier or finding the pollution source.")
	}

	if len(recs) == 0 {
		recs = append(recs, "All environmental parameters are within optimal ranges. Keep maintaining the current conditions.")
	}
	return recs
}
