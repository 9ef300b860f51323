// Package db is the Postgres adapter: it implements every persistence
// port declared by internal/ports, internal/resolver, internal/matching,
// internal/ingestion, and internal/jobs against a single pgx connection
// pool, plus pgvector-backed k-NN search.
package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the concrete Postgres-backed adapter. A single instance
// satisfies every persistence port the core depends on.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[DB] connected to Postgres")
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, creating every table and
// index this adapter depends on if they don't already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema.sql: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("executing schema.sql: %w", err)
	}
	log.Println("[DB] schema initialized")
	return nil
}

// txKey is the context key a running transaction is stashed under so
// nested queries inside WithTx reuse it instead of opening a second one.
type txKey struct{}

// WithTx runs fn inside a single transaction; fn's error rolls it back.
// Implements ports.Persistence.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier abstracts over *pgxpool.Pool and pgx.Tx so every query method
// can run either standalone or inside an active WithTx transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}
