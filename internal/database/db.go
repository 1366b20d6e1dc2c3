package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-serial-sensors/config"
	"github.com/ponytojas/go-serial-sensors/internal/models"
)

// TimescaleDB stores readings in a hypertable
type TimescaleDB struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewTimescaleDB creates a new TimescaleDB instance
func NewTimescaleDB(ctx context.Context, cfg *config.Config) (*TimescaleDB, error) {
	pool, err := pgxpool.New(ctx, cfg.GetDBConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &TimescaleDB{
		pool:      pool,
		tableName: cfg.Timescale.TableName,
	}, nil
}

// Close closes the connection pool
func (db *TimescaleDB) Close() {
	db.pool.Close()
}

// InitializeTable checks if the table exists and creates it if it doesn't
func (db *TimescaleDB) InitializeTable(ctx context.Context) error {
	// Check if table exists
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`, db.tableName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	if exists {
		log.Info().Str("table", db.tableName).Msg("Table already exists")
		return nil
	}

	log.Info().Str("table", db.tableName).Msg("Creating table")
	if _, err := db.pool.Exec(ctx, createTableSQL(db.tableName)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Convert to hypertable
	if _, err := db.pool.Exec(ctx, `SELECT create_hypertable($1, 'time')`, db.tableName); err != nil {
		return fmt.Errorf("failed to convert table to hypertable: %w", err)
	}

	log.Info().Str("table", db.tableName).Msg("Table created and converted to hypertable")
	return nil
}

// Name identifies the database among reading sinks
func (db *TimescaleDB) Name() string {
	return "timescale"
}

// HandleReading inserts the reading; absent channels are stored as NULL
func (db *TimescaleDB) HandleReading(ctx context.Context, r models.Reading) error {
	_, err := db.pool.Exec(ctx, insertSQL(db.tableName), insertArgs(r)...)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}
	return nil
}

// Recent returns the latest readings, newest first
func (db *TimescaleDB) Recent(ctx context.Context, limit int) ([]models.Reading, error) {
	rows, err := db.pool.Query(ctx, recentSQL(db.tableName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	readings, err := pgx.CollectRows(rows, scanReading)
	if err != nil {
		return nil, fmt.Errorf("failed to scan readings: %w", err)
	}
	return readings, nil
}

func scanReading(row pgx.CollectableRow) (models.Reading, error) {
	var (
		ts                  time.Time
		deviceID, sessionID string
		values              [4]*float64
	)
	if err := row.Scan(&ts, &deviceID, &sessionID, &values[0], &values[1], &values[2], &values[3]); err != nil {
		return models.Reading{}, err
	}

	r := models.Reading{
		Timestamp: ts,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Values:    models.Record{},
	}
	for i, c := range models.Channels {
		if values[i] != nil {
			r.Values[c] = *values[i]
		}
	}
	return r, nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE %s (
			time TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			temperature DOUBLE PRECISION,
			humidity DOUBLE PRECISION,
			noise DOUBLE PRECISION,
			air_quality DOUBLE PRECISION
		)
	`, pgx.Identifier{table}.Sanitize())
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (time, device_id, session_id, temperature, humidity, noise, air_quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pgx.Identifier{table}.Sanitize())
}

func recentSQL(table string) string {
	return fmt.Sprintf(`
		SELECT time, device_id, session_id, temperature, humidity, noise, air_quality
		FROM %s
		ORDER BY time DESC
		LIMIT $1
	`, pgx.Identifier{table}.Sanitize())
}

func insertArgs(r models.Reading) []any {
	p := r.Payload()
	return []any{r.Timestamp, r.DeviceID, r.SessionID, p.Temperature, p.Humidity, p.Noise, p.AirQuality}
}
