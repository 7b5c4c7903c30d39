package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kainwinterheart/routerd/config"
)

// PostgresSink persists measurements to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database, tunes the connection pool and runs
// the schema migration.
func NewPostgresSink(cfg *config.PostgresConfig) (*PostgresSink, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	sink := &PostgresSink{db: db}
	if err := sink.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return sink, nil
}

func (s *PostgresSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dispatch_measurements (
		id BIGSERIAL PRIMARY KEY,
		graph VARCHAR(128) NOT NULL,
		service VARCHAR(128) NOT NULL,
		host VARCHAR(256) NOT NULL,
		status INT NOT NULL,
		elapsed_us BIGINT NOT NULL,
		synthetic BOOLEAN NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_graph_service
		ON dispatch_measurements(graph, service);
	CREATE INDEX IF NOT EXISTS idx_measurements_recorded
		ON dispatch_measurements(recorded_at);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record inserts one measurement row.
func (s *PostgresSink) Record(m Measurement) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO dispatch_measurements
		(graph, service, host, status, elapsed_us, synthetic, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		m.Graph,
		m.Service,
		m.Host,
		m.Status,
		m.Elapsed.Microseconds(),
		m.Synthetic,
		m.At,
	)
	return err
}

// Close releases the database handle.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
