package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/config"
	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

// TimescaleDB stores readings in a hypertable
type TimescaleDB struct {
	conn  *pgx.Conn
	table string
	log   zerolog.Logger
}

// NewTimescaleDB creates a new TimescaleDB instance
func NewTimescaleDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*TimescaleDB, error) {
	log.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("dbname", cfg.Database.DBName).
		Msg("connecting to TimescaleDB")
	conn, err := pgx.Connect(ctx, cfg.GetDBConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &TimescaleDB{
		conn:  conn,
		table: cfg.Timescale.TableName,
		log:   log,
	}, nil
}

func (db *TimescaleDB) Name() string { return "timescale:" + db.table }

// Close closes the database connection
func (db *TimescaleDB) Close() error {
	return db.conn.Close(context.Background())
}

// InitializeTable checks if the table exists and creates it if it doesn't
func (db *TimescaleDB) InitializeTable(ctx context.Context) error {
	var exists bool
	err := db.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`, db.table).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	if exists {
		db.log.Info().Str("table", db.table).Msg("table already exists")
		return nil
	}

	db.log.Info().Str("table", db.table).Msg("creating table")
	if _, err := db.conn.Exec(ctx, createTableSQL(db.table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Convert to hypertable
	if _, err := db.conn.Exec(ctx, `SELECT create_hypertable($1, 'time', if_not_exists => TRUE)`, db.table); err != nil {
		return fmt.Errorf("failed to convert table to hypertable: %w", err)
	}

	db.log.Info().Str("table", db.table).Msg("table created and converted to hypertable")
	return nil
}

// Emit inserts every reading of the batch in a single round trip
func (db *TimescaleDB) Emit(ctx context.Context, b models.Batch) error {
	query := insertSQL(db.table)
	batch := &pgx.Batch{}
	for _, r := range b.Readings {
		batch.Queue(query, r.Timestamp, b.Station, r.SensorName, r.Value, r.Unit)
	}
	if err := db.conn.SendBatch(ctx, batch).Close(); err != nil {
		return sink.IOFailure(db.Name(), fmt.Errorf("failed to insert readings: %w", err))
	}
	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE %s (
			time TIMESTAMPTZ NOT NULL,
			station TEXT NOT NULL,
			sensor_name TEXT NOT NULL,
			value DOUBLE PRECISION,
			unit TEXT
		)
	`, pgx.Identifier{table}.Sanitize())
}

func insertSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (time, station, sensor_name, value, unit) VALUES ($1, $2, $3, $4, $5)`,
		pgx.Identifier{table}.Sanitize())
}
