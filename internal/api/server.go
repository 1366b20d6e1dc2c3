// Package api serves the dashboard's HTTP interface: current sensor state,
// connection control, recommendations and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/internal/models"
	"github.com/ponytojas/go-serial-sensors/internal/recommend"
	"github.com/ponytojas/go-serial-sensors/internal/session"
	"github.com/ponytojas/go-serial-sensors/internal/store"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// Connector starts and stops serial sessions
type Connector interface {
	Connect(ctx context.Context) (*session.Session, error)
	Disconnect() error
	Status() session.Status
}

// ReadingHistory serves persisted readings
type ReadingHistory interface {
	Recent(ctx context.Context, limit int) ([]models.Reading, error)
}

// Deps are the collaborators the server needs; History and Gatherer are optional
type Deps struct {
	Store          *store.Store
	Sessions       Connector
	Recommender    *recommend.Service
	History        ReadingHistory
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// Server is the HTTP API
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter()}

	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sensors", s.handleSensors).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/recommendations", s.handleRecommendations).Methods(http.MethodPost)
	api.HandleFunc("/readings", s.handleReadings).Methods(http.MethodGet)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// Handler wraps the router with recovery, CORS and access logging
func (s *Server) Handler() http.Handler {
	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = s.router
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	return handlers.CombinedLoggingHandler(log.Logger, h)
}

// ChannelView is one channel in the sensors response
type ChannelView struct {
	Current float64      `json:"current"`
	History []float64    `json:"history"`
	Status  store.Status `json:"status"`
}

// SensorsResponse is the body of GET /api/sensors
type SensorsResponse struct {
	Channels  map[string]ChannelView `json:"channels"`
	UpdatedAt *time.Time             `json:"updated_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSensors(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Store.Snapshot()

	resp := SensorsResponse{Channels: make(map[string]ChannelView, len(snap.Channels))}
	for c, st := range snap.Channels {
		resp.Channels[c.String()] = ChannelView{
			Current: st.Current,
			History: st.History,
			Status:  store.Classify(c, st.Current),
		}
	}
	if !snap.UpdatedAt.IsZero() {
		resp.UpdatedAt = &snap.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Sessions.Connect(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
	case errors.Is(err, session.ErrAlreadyStarted):
		writeError(w, http.StatusConflict, err)
	default:
		log.Error().Err(err).Msg("Could not connect to the weather station")
		writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Sessions.Disconnect(); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Recommender.Recommend(r.Context(), s.deps.Store.Snapshot())
	writeJSON(w, http.StatusOK, res)
}

// readingView is one persisted reading in the readings response
type readingView struct {
	Timestamp time.Time          `json:"timestamp"`
	DeviceID  string             `json:"device_id"`
	SessionID string             `json:"session_id"`
	Values    map[string]float64 `json:"values"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, errors.New("reading history is not enabled"))
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRecentLimit {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	readings, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Error loading reading history")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]readingView, 0, len(readings))
	for _, rd := range readings {
		values := make(map[string]float64, len(rd.Values))
		for c, v := range rd.Values {
			values[c.String()] = v
		}
		out = append(out, readingView{
			Timestamp: rd.Timestamp,
			DeviceID:  rd.DeviceID,
			SessionID: rd.SessionID,
			Values:    values,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
