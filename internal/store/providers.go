package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/providercache"
)

// ProviderStore persists provider metadata entries and the refresh
// leases that make refreshes single-flight across instances.
type ProviderStore struct {
	pool *pgxpool.Pool
}

var _ providercache.Store = (*ProviderStore)(nil)

// GetEntry returns the provider's entry, fresh or stale.
func (s *ProviderStore) GetEntry(ctx context.Context, providerID string) (providercache.Entry, error) {
	var (
		entry    providercache.Entry
		versions []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT provider_id, current_version, known_versions, fetched_at, expires_at, refresh_token
		FROM provider_entries
		WHERE provider_id = $1
	`, providerID).Scan(&entry.ProviderID, &entry.CurrentVersion, &versions,
		&entry.FetchedAt, &entry.ExpiresAt, &entry.RefreshToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return providercache.Entry{}, domain.ErrNotFound
		}
		return providercache.Entry{}, fmt.Errorf("get provider entry: %w", err)
	}
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &entry.KnownVersions); err != nil {
			return providercache.Entry{}, fmt.Errorf("decode known versions: %w", err)
		}
	}
	return entry, nil
}

// ReplaceEntry upserts the provider's entry wholesale.
func (s *ProviderStore) ReplaceEntry(ctx context.Context, entry providercache.Entry) error {
	versions := []byte("[]")
	if entry.KnownVersions != nil {
		var err error
		versions, err = json.Marshal(entry.KnownVersions)
		if err != nil {
			return fmt.Errorf("encode known versions: %w", err)
		}
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO provider_entries (provider_id, current_version, known_versions,
		                              fetched_at, expires_at, refresh_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE SET
			current_version = EXCLUDED.current_version,
			known_versions = EXCLUDED.known_versions,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			refresh_token = EXCLUDED.refresh_token
	`, entry.ProviderID, entry.CurrentVersion, versions,
		entry.FetchedAt, entry.ExpiresAt, entry.RefreshToken); err != nil {
		return fmt.Errorf("replace provider entry: %w", err)
	}
	return nil
}

// AcquireLease claims the provider's refresh lease: a fresh insert
// or a takeover of an expired lease, in one statement.
func (s *ProviderStore) AcquireLease(ctx context.Context, providerID string, token uuid.UUID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO provider_refresh_leases (provider_id, token, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (provider_id) DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE provider_refresh_leases.expires_at <= now()
	`, providerID, token, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire refresh lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease drops the lease if token still holds it.
func (s *ProviderStore) ReleaseLease(ctx context.Context, providerID string, token uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM provider_refresh_leases
		WHERE provider_id = $1 AND token = $2
	`, providerID, token); err != nil {
		return fmt.Errorf("release refresh lease: %w", err)
	}
	return nil
}

// DeleteExpiredLeases removes dead leases and reports how many.
func (s *ProviderStore) DeleteExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM provider_refresh_leases
		WHERE expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}
