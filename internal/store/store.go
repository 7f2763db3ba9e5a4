// Package store is the PostgreSQL persistence layer: template
// versions, workflow aggregates, the user/group directory and field
// values, plus the workflow-scoped transaction boundary every engine
// mutation runs inside.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when two operations race on the same
	// workflow; the caller may retry.
	ErrConflict = errors.New("concurrent modification")
)

// Querier is the subset of pgx shared by the pool and transactions;
// aggregate reads and writes run against either.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations
// directory, in name order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// WithWorkflowTx runs fn inside one transaction holding the advisory
// lock for the workflow. All mutations of one workflow serialize here:
// a concurrent holder blocks until the first commits, and conflicting
// commits surface as ErrConflict rather than interleaving.
func (s *Store) WithWorkflowTx(ctx context.Context, workflowID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, workflowID); err != nil {
		return fmt.Errorf("lock workflow %s: %w", workflowID, err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("commit workflow %s: %w", workflowID, ErrConflict)
		}
		return fmt.Errorf("commit workflow %s: %w", workflowID, err)
	}
	return nil
}

// isSerializationFailure recognizes the Postgres error classes that
// mean "retry the whole operation".
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// Pool exposes the underlying pool for plain reads.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
