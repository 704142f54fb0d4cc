// Package store provides storage backends for ConciergePipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ConciergePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	query := `SELECT participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at
			  FROM sessions WHERE participant_id = $1`

	var session models.Session
	var queueJSON, answersJSON string
	err := s.db.QueryRowContext(ctx, query, participantID).Scan(
		&session.ParticipantID, &session.Stage, &session.Language, &session.Flow,
		&queueJSON, &session.Cursor, &answersJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore LoadSession not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadSession failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load session for %s: %w", participantID, err)
	}
	if err := unmarshalSessionColumns(&session, queueJSON, answersJSON); err != nil {
		slog.Error("PostgresStore LoadSession decode failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return &session, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session models.Session) error {
	queueJSON, answersJSON, err := marshalSessionColumns(session)
	if err != nil {
		slog.Error("PostgresStore SaveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return err
	}
	query := `INSERT INTO sessions (participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  ON CONFLICT (participant_id) DO UPDATE SET
				  stage = EXCLUDED.stage,
				  language = EXCLUDED.language,
				  flow = EXCLUDED.flow,
				  queue = EXCLUDED.queue,
				  cursor = EXCLUDED.cursor,
				  answers = EXCLUDED.answers,
				  updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query, session.ParticipantID, session.Stage, session.Language,
		session.Flow, queueJSON, session.Cursor, answersJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to save session for %s: %w", session.ParticipantID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "participantID", session.ParticipantID, "stage", session.Stage)
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, participantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	query := `SELECT participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at
			  FROM sessions ORDER BY participant_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var queueJSON, answersJSON string
		if err := rows.Scan(&session.ParticipantID, &session.Stage, &session.Language, &session.Flow,
			&queueJSON, &session.Cursor, &answersJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if err := unmarshalSessionColumns(&session, queueJSON, answersJSON); err != nil {
			slog.Error("PostgresStore ListSessions decode failed", "error", err, "participantID", session.ParticipantID)
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListSessions rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("PostgresStore ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	var memoryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory FROM participant_memory WHERE participant_id = $1`, participantID).Scan(&memoryJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadMemory failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load memory for %s: %w", participantID, err)
	}
	return unmarshalStringMap(memoryJSON)
}

func (s *PostgresStore) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	memoryJSON, err := marshalStringMap(memory)
	if err != nil {
		slog.Error("PostgresStore SaveMemory encode failed", "error", err, "participantID", participantID)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participant_memory (participant_id, memory, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id) DO UPDATE SET memory = EXCLUDED.memory, updated_at = EXCLUDED.updated_at`,
		participantID, memoryJSON, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SaveMemory failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to save memory for %s: %w", participantID, err)
	}
	slog.Debug("PostgresStore SaveMemory succeeded", "participantID", participantID, "keys", len(memory))
	return nil
}

func (s *PostgresStore) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	metrics := models.NewMetrics()
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metrics`)
	if err != nil {
		slog.Error("PostgresStore LoadMetrics query failed", "error", err)
		return metrics, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			slog.Error("PostgresStore LoadMetrics scan failed", "error", err)
			return metrics, fmt.Errorf("failed to scan metric row: %w", err)
		}
		metrics.Apply(models.Metric(name), value)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore LoadMetrics rows iteration failed", "error", err)
		return metrics, fmt.Errorf("failed to iterate metric rows: %w", err)
	}

	var lastReset string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM metrics_meta WHERE name = 'last_reset'`).Scan(&lastReset)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("PostgresStore LoadMetrics meta failed", "error", err)
		return metrics, fmt.Errorf("failed to load metrics meta: %w", err)
	}
	if lastReset != "" {
		if t, perr := time.Parse(time.RFC3339, lastReset); perr == nil {
			metrics.LastReset = &t
		}
	}
	return metrics, nil
}

func (s *PostgresStore) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("PostgresStore SaveMetrics begin failed", "error", err)
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics`); err != nil {
		slog.Error("PostgresStore SaveMetrics clear failed", "error", err)
		return fmt.Errorf("failed to clear metrics: %w", err)
	}
	for name, value := range metrics.Counters() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (name, value) VALUES ($1, $2)`, string(name), value); err != nil {
			slog.Error("PostgresStore SaveMetrics insert failed", "error", err, "metric", name)
			return fmt.Errorf("failed to save metric %s: %w", name, err)
		}
	}
	if metrics.LastReset != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics_meta (name, value) VALUES ('last_reset', $1)
			 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
			metrics.LastReset.UTC().Format(time.RFC3339)); err != nil {
			slog.Error("PostgresStore SaveMetrics meta failed", "error", err)
			return fmt.Errorf("failed to save metrics meta: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_meta WHERE name = 'last_reset'`); err != nil {
			slog.Error("PostgresStore SaveMetrics meta clear failed", "error", err)
			return fmt.Errorf("failed to clear metrics meta: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore SaveMetrics commit failed", "error", err)
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, value) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET value = metrics.value + 1`, string(metric))
	if err != nil {
		slog.Error("PostgresStore IncrMetric failed", "error", err, "metric", metric)
		return fmt.Errorf("failed to increment metric %s: %w", metric, err)
	}
	return nil
}

func (s *PostgresStore) ResetMetrics(ctx context.Context) error {
	reset := models.NewMetrics()
	now := time.Now().UTC()
	reset.LastReset = &now
	return s.SaveMetrics(ctx, reset)
}

func (s *PostgresStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, received_at) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`,
		messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record inbound failed: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
