package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/canonical"
	"github.com/af-corp/sigil/internal/identity"
)

// ErrIntegrityViolation reports a stored record whose integrity tag or
// content hash no longer verifies. It is never auto-repaired: the
// record is either corrupt or tampered with, and both are fatal.
var ErrIntegrityViolation = errors.New("ledger: integrity verification failed")

// ValidationError rejects malformed input before canonicalization.
// Always client-caused, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a create that collides with existing state:
// an idempotency key reused for a different request (Key set), or a
// template name already held by different content (Name set).
// ExistingIdentity and Patch are filled when the colliding template is
// known, so the caller can see exactly what differs.
type ConflictError struct {
	Scope            uuid.UUID
	Key              string
	Name             string
	StoredHash       identity.ContentHash
	ExistingIdentity identity.ContentHash
	Patch            []canonical.PatchOp
}

func (e *ConflictError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("idempotency key %q was already used for a different request", e.Key)
	}
	if e.ExistingIdentity != "" {
		return fmt.Sprintf("name %q is already held by template %s", e.Name, e.ExistingIdentity.Short())
	}
	return fmt.Sprintf("name %q is already held by another template", e.Name)
}

// PinMismatchError reports that a provider's current version no
// longer satisfies a template's pin constraint. Fatal for the run;
// the ledger never substitutes a different version.
type PinMismatchError struct {
	TemplateID   identity.ContentHash
	Pinned       string
	Current      string
	Fingerprints []string
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("template %s is pinned to version %q but provider reports %q",
		e.TemplateID.Short(), e.Pinned, e.Current)
}
