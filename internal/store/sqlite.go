// Package store provides storage backends for ConciergePipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ConciergePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, participantID string) (*models.Session, error) {
	query := `SELECT participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at
			  FROM sessions WHERE participant_id = ?`

	var session models.Session
	var queueJSON, answersJSON string
	err := s.db.QueryRowContext(ctx, query, participantID).Scan(
		&session.ParticipantID, &session.Stage, &session.Language, &session.Flow,
		&queueJSON, &session.Cursor, &answersJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore LoadSession not found", "participantID", participantID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadSession failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load session for %s: %w", participantID, err)
	}
	if err := unmarshalSessionColumns(&session, queueJSON, answersJSON); err != nil {
		slog.Error("SQLiteStore LoadSession decode failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return &session, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session models.Session) error {
	queueJSON, answersJSON, err := marshalSessionColumns(session)
	if err != nil {
		slog.Error("SQLiteStore SaveSession encode failed", "error", err, "participantID", session.ParticipantID)
		return err
	}
	query := `INSERT OR REPLACE INTO sessions (participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, session.ParticipantID, session.Stage, session.Language,
		session.Flow, queueJSON, session.Cursor, answersJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "participantID", session.ParticipantID)
		return fmt.Errorf("failed to save session for %s: %w", session.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "participantID", session.ParticipantID, "stage", session.Stage)
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, participantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to delete session for %s: %w", participantID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	query := `SELECT participant_id, stage, language, flow, queue, cursor, answers, created_at, updated_at
			  FROM sessions ORDER BY participant_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var queueJSON, answersJSON string
		if err := rows.Scan(&session.ParticipantID, &session.Stage, &session.Language, &session.Flow,
			&queueJSON, &session.Cursor, &answersJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if err := unmarshalSessionColumns(&session, queueJSON, answersJSON); err != nil {
			slog.Error("SQLiteStore ListSessions decode failed", "error", err, "participantID", session.ParticipantID)
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListSessions rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

func (s *SQLiteStore) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	var memoryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory FROM participant_memory WHERE participant_id = ?`, participantID).Scan(&memoryJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadMemory failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("failed to load memory for %s: %w", participantID, err)
	}
	return unmarshalStringMap(memoryJSON)
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	memoryJSON, err := marshalStringMap(memory)
	if err != nil {
		slog.Error("SQLiteStore SaveMemory encode failed", "error", err, "participantID", participantID)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO participant_memory (participant_id, memory, updated_at) VALUES (?, ?, ?)`,
		participantID, memoryJSON, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveMemory failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to save memory for %s: %w", participantID, err)
	}
	slog.Debug("SQLiteStore SaveMemory succeeded", "participantID", participantID, "keys", len(memory))
	return nil
}

func (s *SQLiteStore) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	metrics := models.NewMetrics()
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metrics`)
	if err != nil {
		slog.Error("SQLiteStore LoadMetrics query failed", "error", err)
		return metrics, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			slog.Error("SQLiteStore LoadMetrics scan failed", "error", err)
			return metrics, fmt.Errorf("failed to scan metric row: %w", err)
		}
		metrics.Apply(models.Metric(name), value)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore LoadMetrics rows iteration failed", "error", err)
		return metrics, fmt.Errorf("failed to iterate metric rows: %w", err)
	}

	var lastReset string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM metrics_meta WHERE name = 'last_reset'`).Scan(&lastReset)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("SQLiteStore LoadMetrics meta failed", "error", err)
		return metrics, fmt.Errorf("failed to load metrics meta: %w", err)
	}
	if lastReset != "" {
		if t, perr := time.Parse(time.RFC3339, lastReset); perr == nil {
			metrics.LastReset = &t
		}
	}
	return metrics, nil
}

func (s *SQLiteStore) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore SaveMetrics begin failed", "error", err)
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics`); err != nil {
		slog.Error("SQLiteStore SaveMetrics clear failed", "error", err)
		return fmt.Errorf("failed to clear metrics: %w", err)
	}
	for name, value := range metrics.Counters() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (name, value) VALUES (?, ?)`, string(name), value); err != nil {
			slog.Error("SQLiteStore SaveMetrics insert failed", "error", err, "metric", name)
			return fmt.Errorf("failed to save metric %s: %w", name, err)
		}
	}
	if metrics.LastReset != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO metrics_meta (name, value) VALUES ('last_reset', ?)`,
			metrics.LastReset.UTC().Format(time.RFC3339)); err != nil {
			slog.Error("SQLiteStore SaveMetrics meta failed", "error", err)
			return fmt.Errorf("failed to save metrics meta: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_meta WHERE name = 'last_reset'`); err != nil {
			slog.Error("SQLiteStore SaveMetrics meta clear failed", "error", err)
			return fmt.Errorf("failed to clear metrics meta: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore SaveMetrics commit failed", "error", err)
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrMetric(ctx context.Context, metric models.Metric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`, string(metric))
	if err != nil {
		slog.Error("SQLiteStore IncrMetric failed", "error", err, "metric", metric)
		return fmt.Errorf("failed to increment metric %s: %w", metric, err)
	}
	return nil
}

func (s *SQLiteStore) ResetMetrics(ctx context.Context) error {
	reset := models.NewMetrics()
	now := time.Now().UTC()
	reset.LastReset = &now
	return s.SaveMetrics(ctx, reset)
}

func (s *SQLiteStore) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkMessageSeen(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, received_at) VALUES (?, ?)`,
		messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record inbound failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// marshalSessionColumns encodes the queue and answers for TEXT columns.
// Empty values encode to the empty string so absent data stays NULL-free.
func marshalSessionColumns(session models.Session) (queueJSON, answersJSON string, err error) {
	if len(session.Queue) > 0 {
		data, merr := json.Marshal(session.Queue)
		if merr != nil {
			return "", "", fmt.Errorf("failed to encode queue: %w", merr)
		}
		queueJSON = string(data)
	}
	if len(session.Answers) > 0 {
		data, merr := json.Marshal(session.Answers)
		if merr != nil {
			return "", "", fmt.Errorf("failed to encode answers: %w", merr)
		}
		answersJSON = string(data)
	}
	return queueJSON, answersJSON, nil
}

func unmarshalSessionColumns(session *models.Session, queueJSON, answersJSON string) error {
	if queueJSON != "" {
		if err := json.Unmarshal([]byte(queueJSON), &session.Queue); err != nil {
			return fmt.Errorf("failed to decode queue: %w", err)
		}
	}
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &session.Answers); err != nil {
			return fmt.Errorf("failed to decode answers: %w", err)
		}
	}
	return nil
}

func marshalStringMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(data), nil
}

func unmarshalStringMap(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode map: %w", err)
	}
	return m, nil
}
