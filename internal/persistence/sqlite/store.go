// Package sqlite implements persistence.Store on SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns a scanner over the schema migrations bundled with the binary.
func Migrations() migration.FileScanner {
	return migration.NewFileScanner(migrationFiles, "migrations")
}

// Store is the SQLite implementation of persistence.Store.
type Store struct {
	*repositories
	pool  *ConnectionPool
	retry *RetryHelper
}

var _ persistence.Store = (*Store)(nil)

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, config migration.SQLiteConfig, logger *slog.Logger) (*Store, error) {
	pool, err := NewConnectionPool(config)
	if err != nil {
		return nil, err
	}
	manager := migration.NewManager(Migrations(), migration.NewSQLiteExecutor(pool.DB()), logger)
	if err := manager.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{
		repositories: newRepositories(pool),
		pool:         pool,
		retry:        NewRetryHelper(DefaultRetryConfig()),
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in one database transaction, retrying the whole transaction
// while the database is locked.
func (s *Store) WithinTx(ctx context.Context, fn func(tx persistence.Repositories) error) error {
	return s.retry.WithRetry(ctx, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			return fn(newTxRepositories(tx))
		})
	})
}

// repositories implements persistence.Repositories over a pool or a transaction.
// pool is nil inside a transaction; multi-statement writes open their own
// transaction only when it is set.
type repositories struct {
	pool   *ConnectionPool
	helper *QueryHelper
	mapper *ErrorMapper
}

func newRepositories(pool *ConnectionPool) *repositories {
	return &repositories{
		pool:   pool,
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
	}
}

func newTxRepositories(tx *sql.Tx) *repositories {
	return &repositories{
		helper: newTxQueryHelper(tx),
		mapper: NewErrorMapper(),
	}
}

// atomically runs fn in a transaction unless r already is one.
func (r *repositories) atomically(ctx context.Context, fn func(r *repositories) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(newTxRepositories(tx))
	})
}
