// Package history persists execution records so operators can audit
// what ran, with which inputs, and how it ended. Two backends are
// provided through GORM: SQLite (default, zero-config) and PostgreSQL.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Record is one completed capability execution. Append-only: records
// are never updated or deleted once written.
type Record struct {
	ID           uuid.UUID `json:"id"`
	CapabilityID string    `json:"capability_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	ElapsedMS    float64   `json:"elapsed_ms"`
	// Inputs and Output are JSON-encoded snapshots, stored as text.
	Inputs     string    `json:"inputs,omitempty"`
	Output     string    `json:"output,omitempty"`
	FailedStep string    `json:"failed_step,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query filters a history listing.
type Query struct {
	// CapabilityID restricts to one capability. Empty = all.
	CapabilityID string
	// OnlyFailures restricts to unsuccessful executions.
	OnlyFailures bool
	// Limit caps the result count. Zero = 100.
	Limit int
}

// Store is the persistence interface for execution history.
type Store interface {
	// Append inserts one record. The only write method; immutability is
	// enforced at the interface level.
	Append(ctx context.Context, rec *Record) error

	// List returns records matching the query, newest first.
	List(ctx context.Context, q Query) ([]*Record, error)

	// Stats returns per-capability execution counts.
	Stats(ctx context.Context) ([]CapabilityStats, error)

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// CapabilityStats aggregates outcomes for one capability.
type CapabilityStats struct {
	CapabilityID string  `json:"capability_id"`
	Executions   int64   `json:"executions"`
	Failures     int64   `json:"failures"`
	AvgElapsedMS float64 `json:"avg_elapsed_ms"`
}

// Config selects and configures the storage driver.
type Config struct {
	Driver string // "sqlite" (default) or "postgres".

	// Path is the SQLite database file path.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string

	// Connection pool limits. Zero values leave database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
