package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/idempotency"
	"github.com/af-corp/sigil/internal/identity"
)

// IdempotencyStore persists idempotency claims. The claim statement
// is the whole concurrency story: fresh insert and expired-row
// takeover happen in one conditional upsert, so two racing claims
// can never both win.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// Claim records an in-flight claim on (scope, key), taking over an
// expired row if one is in the way. claimed reports whether this
// call now owns the key; otherwise the live blocking row is returned.
func (s *IdempotencyStore) Claim(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash, ttl time.Duration) (idempotency.Record, bool, error) {
	for {
		var (
			hash     string
			state    string
			snapshot []byte
			expires  time.Time
		)
		err := s.pool.QueryRow(ctx, `
			INSERT INTO idempotency_records (scope, key, request_hash, state, result_snapshot, expires_at)
			VALUES ($1, $2, $3, 'in_flight', NULL, now() + make_interval(secs => $4))
			ON CONFLICT (scope, key) DO UPDATE SET
				request_hash = EXCLUDED.request_hash,
				state = EXCLUDED.state,
				result_snapshot = NULL,
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= now()
			RETURNING request_hash, state, result_snapshot, expires_at
		`, scope, key, string(requestHash), ttl.Seconds()).Scan(&hash, &state, &snapshot, &expires)
		if err == nil {
			return idempotency.Record{
				Scope:       scope,
				Key:         key,
				RequestHash: identity.ContentHash(hash),
				State:       idempotency.State(state),
				Snapshot:    snapshot,
				ExpiresAt:   expires,
			}, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}

		// a live row blocked the claim; read it
		current, err := s.Get(ctx, scope, key)
		if err == nil {
			return current, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return idempotency.Record{}, false, err
		}
		// the blocking row vanished between statements; claim again
	}
}

// Get returns the live record for (scope, key). Expired rows count
// as absent.
func (s *IdempotencyStore) Get(ctx context.Context, scope uuid.UUID, key string) (idempotency.Record, error) {
	var (
		hash     string
		state    string
		snapshot []byte
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT request_hash, state, result_snapshot, expires_at
		FROM idempotency_records
		WHERE scope = $1 AND key = $2 AND expires_at > now()
	`, scope, key).Scan(&hash, &state, &snapshot, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, domain.ErrNotFound
		}
		return idempotency.Record{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return idempotency.Record{
		Scope:       scope,
		Key:         key,
		RequestHash: identity.ContentHash(hash),
		State:       idempotency.State(state),
		Snapshot:    snapshot,
		ExpiresAt:   expires,
	}, nil
}

// Complete marks the claim completed and stores its snapshot.
func (s *IdempotencyStore) Complete(ctx context.Context, scope uuid.UUID, key string, snapshot []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET state = 'completed', result_snapshot = $3
		WHERE scope = $1 AND key = $2
	`, scope, key, snapshot)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency record: no claim for key %q", key)
	}
	return nil
}

// Delete removes the record regardless of state.
func (s *IdempotencyStore) Delete(ctx context.Context, scope uuid.UUID, key string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE scope = $1 AND key = $2
	`, scope, key); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired removes expired records and reports how many.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
