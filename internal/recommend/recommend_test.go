package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponytojas/go-serial-sensors/internal/models"
	"github.com/ponytojas/go-serial-sensors/internal/store"
)

type stubGenerator struct {
	text   string
	err    error
	prompt string
}

func (s *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.text, s.err
}

func snapshotWith(rec models.Record) store.Snapshot {
	s := store.New(nil)
	s.Apply(rec)
	return s.Snapshot()
}

func TestSplit(t *testing.T) {
	text := "1. Open a window.\n2. Use a humidifier.  3. Reduce noise."
	assert.Equal(t, []string{"Open a window.", "Use a humidifier.", "Reduce noise."}, Split(text))

	assert.Equal(t, []string{"Just one tip"}, Split("Just one tip"))
	assert.Empty(t, Split("1. 2.   "))
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(snapshotWith(models.Record{models.Temperature: 23.5, models.Humidity: 48}))
	assert.Contains(t, prompt, "Temperature: 23.5°C")
	assert.Contains(t, prompt, "Humidity: 48%")
	assert.Contains(t, prompt, "Noise Level: 35 dB")
	assert.Contains(t, prompt, "Air Quality Index: 85")
}

func TestFallback(t *testing.T) {
	recs := Fallback(snapshotWith(models.Record{}))
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "optimal")

	recs = Fallback(snapshotWith(models.Record{
		models.Temperature: 30, models.Humidity: 20, models.Noise: 70, models.AirQuality: 40,
	}))
	require.Len(t, recs, 4)
	assert.Contains(t, recs[0], "Temperature is high")
	assert.Contains(t, recs[1], "Humidity is low")
	assert.Contains(t, recs[2], "Noise")
	assert.Contains(t, recs[3], "Air quality")
}

func TestServiceUsesGenerator(t *testing.T) {
	gen := &stubGenerator{text: "1. Ventilate. 2. Lower the volume."}
	res := NewService(gen).Recommend(context.Background(), snapshotWith(models.Record{models.Noise: 55}))

	assert.Equal(t, SourceGenerator, res.Source)
	assert.Equal(t, []string{"Ventilate.", "Lower the volume."}, res.Recommendations)
	assert.Contains(t, gen.prompt, "Noise Level: 55 dB")
}

func TestServiceFallsBack(t *testing.T) {
	snap := snapshotWith(models.Record{})

	res := NewService(nil).Recommend(context.Background(), snap)
	assert.Equal(t, SourceRules, res.Source)

	res = NewService(&stubGenerator{err: errors.New("quota exceeded")}).Recommend(context.Background(), snap)
	assert.Equal(t, SourceRules, res.Source)

	res = NewService(&stubGenerator{text: "  "}).Recommend(context.Background(), snap)
	assert.Equal(t, SourceRules, res.Source)
}

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"1. Do this."}}]}`))
	}))
	defer srv.Close()

	gen := NewHTTPGenerator(srv.URL+"/v1/", "secret", "gpt-4o", time.Second)
	text, err := gen.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "1. Do this.", text)
}

func TestHTTPGeneratorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, "secret", "gpt-4o", time.Second).Generate(context.Background(), "hi")
	assert.ErrorContains(t, err, "rate limited")

	assert.Nil(t, NewHTTPGenerator(srv.URL, "", "gpt-4o", time.Second))
}
