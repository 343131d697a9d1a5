package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/identity"
)

// RotateSeedKey makes newKeyID the signing key for records minted
// from now on. Existing records keep the key id they were created
// under, so nothing previously minted re-derives differently.
func (l *Ledger) RotateSeedKey(ctx context.Context, newKeyID string) (domain.SeedKeyState, error) {
	if newKeyID == "" {
		return domain.SeedKeyState{}, &ValidationError{Field: "key_id", Reason: "must not be empty"}
	}
	if !l.ring.Has(newKeyID) {
		return domain.SeedKeyState{}, &ValidationError{Field: "key_id", Reason: fmt.Sprintf("key %q is not in the ring", newKeyID)}
	}
	state, err := l.seedKeys.Rotate(ctx, newKeyID)
	if err != nil {
		return domain.SeedKeyState{}, fmt.Errorf("rotate seed key: %w", err)
	}
	slog.Info("seed key rotated", "key_id", newKeyID, "rotated_at", state.RotatedAt)
	return state, nil
}

// LocaleContext derives the deterministic locale-context value for a
// template. Derivation always uses the seed key recorded on the
// template, never the currently active one, which is what makes the
// value invariant under rotation.
func (l *Ledger) LocaleContext(ctx context.Context, scope uuid.UUID, templateID identity.ContentHash, locale string) (string, error) {
	tpl, err := l.templates.Get(ctx, scope, templateID)
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", templateID.Short(), err)
	}
	if err := l.verifyTemplate(tpl); err != nil {
		return "", err
	}
	return l.ring.DeriveLocaleContext(tpl.SeedKeyID, string(tpl.Identity), locale)
}
