package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/config"
	"github.com/ponytojas/go-serial-sensors/internal/api"
	"github.com/ponytojas/go-serial-sensors/internal/database"
	"github.com/ponytojas/go-serial-sensors/internal/ingest"
	"github.com/ponytojas/go-serial-sensors/internal/kafka"
	"github.com/ponytojas/go-serial-sensors/internal/metrics"
	"github.com/ponytojas/go-serial-sensors/internal/mqtt"
	"github.com/ponytojas/go-serial-sensors/internal/recommend"
	"github.com/ponytojas/go-serial-sensors/internal/serialport"
	"github.com/ponytojas/go-serial-sensors/internal/session"
	"github.com/ponytojas/go-serial-sensors/internal/store"
)

func main() {
	// A .env file is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Error loading .env file")
	}

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Error().Err(err).Msg("Error loading config, using default configuration")
		cfg = config.GetDefaultConfig()
	}
	setupLogging(cfg.Log)

	log.Info().Msg("Starting serial sensor gateway...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		log.Fatal().Err(err).Msg("Service stopped")
	}
}

// run wires the service and blocks until ctx is done or the HTTP server
// fails. Every resource opened here is released before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	readings := store.New(m)
	fanout := ingest.NewFanout(m, readings)
	var history api.ReadingHistory

	// Initialize database connection
	if cfg.Database.Enabled {
		log.Info().Msg("Connecting to TimescaleDB...")
		db, err := database.NewTimescaleDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		log.Info().Msg("Initializing database table...")
		if err := db.InitializeTable(ctx); err != nil {
			return fmt.Errorf("failed to initialize table: %w", err)
		}
		fanout.Add(db)
		history = db
	}

	if cfg.MQTT.Enabled {
		log.Info().Msg("Setting up MQTT publisher...")
		publisher := mqtt.NewPublisher(cfg)
		if err := publisher.Connect(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer publisher.Disconnect()
		fanout.Add(publisher)
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing Kafka producer")
			}
		}()
		fanout.Add(producer)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka producer enabled")
	}

	var provider serialport.Provider
	if cfg.Serial.ReplayFile != "" {
		log.Info().Str("file", cfg.Serial.ReplayFile).Msg("Replaying captured serial data")
		provider = &serialport.FileProvider{Path: cfg.Serial.ReplayFile}
	} else {
		provider = serialport.NewDeviceProvider(cfg.Serial.Port, cfg.Serial.ReadTimeout)
	}

	sessions := session.NewManager(provider, fanout, session.Config{
		LineRate:    cfg.Serial.LineRate,
		DeviceID:    cfg.Serial.DeviceID,
		SinkTimeout: cfg.Serial.SinkTimeout,
	}, m)
	defer sessions.Shutdown()

	if cfg.Serial.AutoConnect {
		if _, err := sessions.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("Auto-connect failed; use POST /api/connect to retry")
		}
	}

	recommender := recommend.NewService(nil)
	if gen := recommend.NewHTTPGenerator(
		cfg.Recommendations.BaseURL,
		cfg.Recommendations.APIKey,
		cfg.Recommendations.Model,
		cfg.Recommendations.Timeout,
	); gen != nil {
		recommender = recommend.NewService(gen)
	} else {
		log.Info().Msg("No recommendations API key configured, using built-in rules")
	}

	server := api.NewServer(api.Deps{
		Store:          readings,
		Sessions:       sessions,
		Recommender:    recommender,
		History:        history,
		Gatherer:       reg,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Int("sinks", fanout.Len()).Msg("Service is running")
		serveErr <- httpServer.ListenAndServe()
	}()

	// Wait for interrupt signal
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return runErr
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
