// Package store is the Postgres persistence layer: one repository
// per entity family, all sharing a pgxpool. Cross-instance
// coordination (idempotency claims, refresh leases) is expressed as
// single-statement conditional upserts so the database clock is the
// only time authority that matters for correctness.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories over one connection pool.
type Store struct {
	pool *pgxpool.Pool

	Templates   *TemplateStore
	Runs        *RunStore
	Idempotency *IdempotencyStore
	Providers   *ProviderStore
	SeedKeys    *SeedKeyStore
}

// New creates the repositories over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		Templates:   &TemplateStore{pool: pool},
		Runs:        &RunStore{pool: pool},
		Idempotency: &IdempotencyStore{pool: pool},
		Providers:   &ProviderStore{pool: pool},
		SeedKeys:    &SeedKeyStore{pool: pool},
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is a 23505 on the named
// constraint. The constraint name is how an identity collision is
// told apart from a name collision on the same table.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
