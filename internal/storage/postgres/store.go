// Package postgres implements storage.Store on top of PostgreSQL via pgx,
// using raw SQL rather than an ORM: the domain has a handful of well-known
// query shapes (dispatch, submit, aggregate) that read clearer as SQL than
// as a generic query builder, and SELECT ... FOR UPDATE SKIP LOCKED — the
// primitive behind the store's at-most-one-agent-per-task guarantee — has
// no portable ORM abstraction anyway.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltask/voltask/internal/storage"
)

// Store is the PostgreSQL-backed storage.Store implementation.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects to PostgreSQL and returns a ready Store. It does not run
// migrations; schema is expected to already be applied (internal/storage/postgres/schema).
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
