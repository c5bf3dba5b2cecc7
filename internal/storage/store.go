// Package storage defines the persistence backend abstraction for checkbench.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
// Both hand out the same GORM repositories; domain packages stay ORM-free.
package storage

import (
	"context"

	"github.com/jkaninda/checkbench/internal/history"
)

// Store is a persistence backend.
type Store interface {
	// Runs returns the analysis run history store.
	Runs() history.Store

	// Ping checks the database connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables persistence.
const DriverNone = "none"
