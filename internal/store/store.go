// Package store provides storage backends for ConciergePipe.
//
// Four backends implement the same repositories: an in-memory store for
// tests and ephemeral runs, a JSON file store, SQLite, and PostgreSQL, plus
// a Redis store for deployments that already run one. The backend is chosen
// from the DSN.
package store

import "strings"

// Store bundles every repository the conversation service needs.
type Store interface {
	SessionRepo
	MemoryRepo
	MetricsRepo
	DedupRepo

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration for building a store.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisDSN sets a Redis URL (redis:// or rediss://).
func WithRedisDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithFileDSN sets a directory path for the JSON file store.
func WithFileDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports which backend a DSN selects: "postgres" for
// PostgreSQL URLs and key=value connection strings, "redis" for Redis URLs,
// "file" for an explicit file: prefix, and "sqlite" for anything else
// (treated as a database file path).
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	case strings.HasPrefix(dsn, "file:"):
		return "file"
	default:
		return "sqlite"
	}
}
