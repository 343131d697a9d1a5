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
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/ledger"
)

// TemplateStore persists templates. Rows are immutable; the only
// thing that ever changes is which row a name points at, and that
// moves only through SupersedeName.
type TemplateStore struct {
	pool *pgxpool.Pool
}

var _ ledger.TemplateStore = (*TemplateStore)(nil)

const templateColumns = `scope, identity, name, canonical_json, provider_id,
	pinned_version, allowed_fingerprints, seed_key_id, integrity_tag, created_at`

// Create inserts the template or, when a row with the same
// (scope, identity) already exists, loads it. created reports which
// happened. A name held by a different identity surfaces as
// domain.ErrNameTaken.
func (s *TemplateStore) Create(ctx context.Context, t domain.Template) (domain.Template, bool, error) {
	fingerprints := []byte("[]")
	if t.AllowedFingerprints != nil {
		var err error
		fingerprints, err = json.Marshal(t.AllowedFingerprints)
		if err != nil {
			return domain.Template{}, false, fmt.Errorf("encode allowed fingerprints: %w", err)
		}
	}

	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO templates (scope, identity, name, canonical_json, provider_id,
		                       pinned_version, allowed_fingerprints, seed_key_id, integrity_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scope, identity) DO NOTHING
		RETURNING created_at
	`, t.Scope, string(t.Identity), nullableText(t.Name), string(t.Canonical), t.ProviderID,
		t.PinnedVersion, fingerprints, t.SeedKeyID, t.IntegrityTag).Scan(&createdAt)
	if err == nil {
		t.CreatedAt = createdAt
		return t, true, nil
	}
	if isUniqueViolation(err, "templates_scope_name_key") {
		return domain.Template{}, false, domain.ErrNameTaken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, false, fmt.Errorf("insert template: %w", err)
	}

	existing, err := s.Get(ctx, t.Scope, t.Identity)
	if err != nil {
		return domain.Template{}, false, err
	}
	return existing, false, nil
}

// Get loads a template by its content identity.
func (s *TemplateStore) Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE scope = $1 AND identity = $2
	`, scope, string(id))
	return scanTemplate(row)
}

// GetByName loads the template currently holding a name.
func (s *TemplateStore) GetByName(ctx context.Context, scope uuid.UUID, name string) (domain.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE scope = $1 AND name = $2
	`, scope, name)
	return scanTemplate(row)
}

// SupersedeName atomically moves a name onto the given template. The
// previous holder keeps its row, content, and identity.
func (s *TemplateStore) SupersedeName(ctx context.Context, scope uuid.UUID, name string, to identity.ContentHash) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE templates SET name = NULL
		WHERE scope = $1 AND name = $2
	`, scope, name); err != nil {
		return fmt.Errorf("clear template name: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE templates SET name = $2
		WHERE scope = $1 AND identity = $3
	`, scope, name, string(to))
	if err != nil {
		// a concurrent supersede of the same name can land its assign
		// first; the caller sees a retryable name conflict
		if isUniqueViolation(err, "templates_scope_name_key") {
			return domain.ErrNameTaken
		}
		return fmt.Errorf("assign template name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return tx.Commit(ctx)
}

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		t            domain.Template
		id           string
		name         *string
		canonical    string
		fingerprints []byte
	)
	err := row.Scan(&t.Scope, &id, &name, &canonical, &t.ProviderID,
		&t.PinnedVersion, &fingerprints, &t.SeedKeyID, &t.IntegrityTag, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, domain.ErrNotFound
		}
		return domain.Template{}, fmt.Errorf("scan template: %w", err)
	}

	t.Identity = identity.ContentHash(id)
	t.Canonical = json.RawMessage(canonical)
	if name != nil {
		t.Name = *name
	}
	if len(fingerprints) > 0 {
		if err := json.Unmarshal(fingerprints, &t.AllowedFingerprints); err != nil {
			return domain.Template{}, fmt.Errorf("decode allowed fingerprints: %w", err)
		}
	}
	return t, nil
}
