package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/ledger"
)

// SeedKeyStore persists the singleton active-seed-key pointer. Only
// the key ID lives here; the secrets stay in the keys config file.
type SeedKeyStore struct {
	pool *pgxpool.Pool
}

var _ ledger.SeedKeyStore = (*SeedKeyStore)(nil)

// Active returns the current pointer, or domain.ErrNotFound before
// the first Ensure.
func (s *SeedKeyStore) Active(ctx context.Context) (domain.SeedKeyState, error) {
	var state domain.SeedKeyState
	err := s.pool.QueryRow(ctx, `
		SELECT active_key_id, rotated_at
		FROM seed_key_state
		WHERE singleton
	`).Scan(&state.ActiveKeyID, &state.RotatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SeedKeyState{}, domain.ErrNotFound
		}
		return domain.SeedKeyState{}, fmt.Errorf("get seed key state: %w", err)
	}
	return state, nil
}

// Ensure seeds the pointer on first boot and leaves an existing
// pointer alone.
func (s *SeedKeyStore) Ensure(ctx context.Context, keyID string) (domain.SeedKeyState, error) {
	var state domain.SeedKeyState
	err := s.pool.QueryRow(ctx, `
		INSERT INTO seed_key_state (singleton, active_key_id)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO NOTHING
		RETURNING active_key_id, rotated_at
	`, keyID).Scan(&state.ActiveKeyID, &state.RotatedAt)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.SeedKeyState{}, fmt.Errorf("seed key state: %w", err)
	}
	return s.Active(ctx)
}

// Rotate flips the pointer to the given key.
func (s *SeedKeyStore) Rotate(ctx context.Context, keyID string) (domain.SeedKeyState, error) {
	var state domain.SeedKeyState
	err := s.pool.QueryRow(ctx, `
		INSERT INTO seed_key_state (singleton, active_key_id, rotated_at)
		VALUES (TRUE, $1, now())
		ON CONFLICT (singleton) DO UPDATE SET
			active_key_id = EXCLUDED.active_key_id,
			rotated_at = now()
		RETURNING active_key_id, rotated_at
	`, keyID).Scan(&state.ActiveKeyID, &state.RotatedAt)
	if err != nil {
		return domain.SeedKeyState{}, fmt.Errorf("rotate seed key: %w", err)
	}
	return state, nil
}
