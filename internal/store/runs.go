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
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/ledger"
)

// RunStore persists runs. Rows are immutable.
type RunStore struct {
	pool *pgxpool.Pool
}

var _ ledger.RunStore = (*RunStore)(nil)

const runColumns = `scope, identity, template_identity, provider_id, resolved_version,
	resolved_fingerprint, attempt, evidence_hash, output_kind, output_hash,
	integrity_tag, created_at`

// Create inserts the run or loads the existing row with the same
// (scope, identity). created reports which happened.
func (s *RunStore) Create(ctx context.Context, r domain.Run) (domain.Run, bool, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO runs (scope, identity, template_identity, provider_id, resolved_version,
		                  resolved_fingerprint, attempt, evidence_hash, output_kind,
		                  output_hash, integrity_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (scope, identity) DO NOTHING
		RETURNING created_at
	`, r.Scope, string(r.Identity), string(r.TemplateIdentity), r.ProviderID, r.ResolvedVersion,
		r.ResolvedFingerprint, r.Attempt, nullableText(string(r.EvidenceHash)),
		string(r.OutputKind), string(r.OutputHash), r.IntegrityTag).Scan(&createdAt)
	if err == nil {
		r.CreatedAt = createdAt
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, false, fmt.Errorf("insert run: %w", err)
	}

	existing, err := s.Get(ctx, r.Scope, r.Identity)
	if err != nil {
		return domain.Run{}, false, err
	}
	return existing, false, nil
}

// Get loads a run by its content identity.
func (s *RunStore) Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE scope = $1 AND identity = $2
	`, scope, string(id))
	return scanRun(row)
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		r            domain.Run
		id           string
		templateID   string
		evidenceHash *string
		outputKind   string
		outputHash   string
	)
	err := row.Scan(&r.Scope, &id, &templateID, &r.ProviderID, &r.ResolvedVersion,
		&r.ResolvedFingerprint, &r.Attempt, &evidenceHash, &outputKind, &outputHash,
		&r.IntegrityTag, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, domain.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("scan run: %w", err)
	}

	r.Identity = identity.ContentHash(id)
	r.TemplateIdentity = identity.ContentHash(templateID)
	if evidenceHash != nil {
		r.EvidenceHash = identity.ContentHash(*evidenceHash)
	}
	r.OutputKind = identity.OutputKind(outputKind)
	r.OutputHash = identity.ContentHash(outputHash)
	return r, nil
}
