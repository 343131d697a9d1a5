// Package domain holds the persisted entities and the storage-level
// sentinel errors shared by the store and the services above it.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/identity"
)

// Template is the immutable record of a canonicalized request
// configuration. Identity is derived from the canonical bytes, so a
// template is created once and never edited; an "edit" is a new
// template with a new identity. The only mutable thing about a
// template is which one a name points at.
type Template struct {
	Scope               uuid.UUID            `json:"scope"`
	Identity            identity.ContentHash `json:"identity"`
	Name                string               `json:"name,omitempty"`
	Canonical           json.RawMessage      `json:"canonical"`
	ProviderID          string               `json:"provider_id"`
	PinnedVersion       string               `json:"pinned_version"`
	AllowedFingerprints []string             `json:"allowed_fingerprints,omitempty"`
	SeedKeyID           string               `json:"seed_key_id"`
	IntegrityTag        string               `json:"-"`
	CreatedAt           time.Time            `json:"created_at"`
}

// Run is the immutable record of one execution attempt against a
// template.
type Run struct {
	Scope               uuid.UUID            `json:"scope"`
	Identity            identity.ContentHash `json:"identity"`
	TemplateIdentity    identity.ContentHash `json:"template_identity"`
	ProviderID          string               `json:"provider_id"`
	ResolvedVersion     string               `json:"resolved_version"`
	ResolvedFingerprint string               `json:"resolved_fingerprint,omitempty"`
	Attempt             int64                `json:"attempt"`
	EvidenceHash        identity.ContentHash `json:"evidence_hash,omitempty"`
	OutputKind          identity.OutputKind  `json:"output_kind"`
	OutputHash          identity.ContentHash `json:"output_hash"`
	IntegrityTag        string               `json:"-"`
	CreatedAt           time.Time            `json:"created_at"`
}

// SeedKeyState is the singleton pointer at the currently active seed
// key. Only the pointer lives in the store; secrets stay in the keys
// config file.
type SeedKeyState struct {
	ActiveKeyID string    `json:"active_key_id"`
	RotatedAt   time.Time `json:"rotated_at"`
}
