// Package ledger is the identity service: it decides, exactly once
// per content, whether a template or run is minted fresh or an
// existing record is returned. All coordination goes through the
// transactional store, so any number of instances can mint
// concurrently without agreeing on anything beforehand.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/canonical"
	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/idempotency"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/keyring"
	"github.com/af-corp/sigil/internal/providercache"
	"github.com/af-corp/sigil/internal/telemetry"
)

// TemplateStore is the slice of the store the ledger needs for
// template rows.
type TemplateStore interface {
	Create(ctx context.Context, t domain.Template) (domain.Template, bool, error)
	Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Template, error)
	GetByName(ctx context.Context, scope uuid.UUID, name string) (domain.Template, error)
	SupersedeName(ctx context.Context, scope uuid.UUID, name string, to identity.ContentHash) error
}

// RunStore persists run rows.
type RunStore interface {
	Create(ctx context.Context, r domain.Run) (domain.Run, bool, error)
	Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Run, error)
}

// SeedKeyStore holds the singleton active-seed-key pointer.
type SeedKeyStore interface {
	Active(ctx context.Context) (domain.SeedKeyState, error)
	Ensure(ctx context.Context, keyID string) (domain.SeedKeyState, error)
	Rotate(ctx context.Context, keyID string) (domain.SeedKeyState, error)
}

// VersionSource answers what a provider currently reports. Satisfied
// by *providercache.Cache.
type VersionSource interface {
	GetOrRefresh(ctx context.Context, providerID string, force bool) (providercache.Lookup, error)
}

// Deps wires the ledger's collaborators.
type Deps struct {
	Templates   TemplateStore
	Runs        RunStore
	SeedKeys    SeedKeyStore
	Idempotency *idempotency.Manager
	Versions    VersionSource
	Ring        *keyring.Ring
	Metrics     *telemetry.Metrics
}

// Ledger mints templates and runs.
type Ledger struct {
	templates TemplateStore
	runs      RunStore
	seedKeys  SeedKeyStore
	idem      *idempotency.Manager
	versions  VersionSource
	ring      *keyring.Ring
	metrics   *telemetry.Metrics
}

// New creates a Ledger.
func New(d Deps) *Ledger {
	return &Ledger{
		templates: d.Templates,
		runs:      d.Runs,
		seedKeys:  d.SeedKeys,
		idem:      d.Idempotency,
		versions:  d.Versions,
		ring:      d.Ring,
		metrics:   d.Metrics,
	}
}

// RawConfig is a request configuration as it arrives at the boundary,
// before canonicalization. SetPaths and SchemaPaths mark which lists
// are unordered and which subtrees are schemas; nothing is inferred
// from content.
type RawConfig struct {
	Document    json.RawMessage
	SetPaths    []string
	SchemaPaths []string
}

// MintOptions carries everything about a create besides the document
// itself. The pin constraint and name are recorded on the row but are
// not part of the content identity.
type MintOptions struct {
	// Name optionally claims the scope-unique template name.
	Name string

	// ProviderID, PinnedVersion and AllowedFingerprints declare which
	// provider version the template expects at run time.
	ProviderID          string
	PinnedVersion       string
	AllowedFingerprints []string

	// IdempotencyKey enables the replay protocol for this create.
	// Empty means the content hash alone dedupes.
	IdempotencyKey string

	// Supersede moves an already-taken name onto this template
	// instead of failing the create.
	Supersede bool
}

// MintTemplate canonicalizes and hashes the raw configuration, then
// persists a template or returns the one that already owns that
// content. The returned bool reports whether a new row was minted.
// Creation is all-or-nothing: any failure, including cancellation,
// leaves no row behind and abandons the idempotency claim.
func (l *Ledger) MintTemplate(ctx context.Context, scope uuid.UUID, raw RawConfig, opts MintOptions) (domain.Template, bool, error) {
	if scope == uuid.Nil {
		return domain.Template{}, false, &ValidationError{Field: "scope", Reason: "must not be empty"}
	}
	if len(raw.Document) == 0 {
		return domain.Template{}, false, &ValidationError{Field: "document", Reason: "must not be empty"}
	}
	if opts.ProviderID == "" && (opts.PinnedVersion != "" || len(opts.AllowedFingerprints) > 0) {
		return domain.Template{}, false, &ValidationError{Field: "provider_id", Reason: "required when a version pin is declared"}
	}

	doc, err := canonical.FromJSON(raw.Document, canonical.ParseOptions{
		SetPaths:    raw.SetPaths,
		SchemaPaths: raw.SchemaPaths,
	})
	if err != nil {
		return domain.Template{}, false, &ValidationError{Field: "document", Reason: err.Error()}
	}
	doc, err = canonical.Canonicalize(doc)
	if err != nil {
		return domain.Template{}, false, &ValidationError{Field: "document", Reason: err.Error()}
	}
	canonicalBytes, err := canonical.Serialize(doc)
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("serialize canonical document: %w", err)
	}
	id := identity.TemplateID(canonicalBytes)

	if opts.IdempotencyKey == "" {
		return l.persistTemplate(ctx, scope, id, canonicalBytes, opts)
	}

	reqHash, err := requestHash(doc, opts)
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("hash create request: %w", err)
	}
	out, err := l.idem.Begin(ctx, scope, opts.IdempotencyKey, reqHash)
	if err != nil {
		return domain.Template{}, false, err
	}
	switch out.Decision {
	case idempotency.Replay:
		var tpl domain.Template
		if err := json.Unmarshal(out.Snapshot, &tpl); err != nil {
			return domain.Template{}, false, fmt.Errorf("decode replay snapshot: %w", err)
		}
		l.metrics.RecordMint("template", "replayed")
		return tpl, false, nil
	case idempotency.Conflict:
		l.metrics.RecordMint("template", "key_conflict")
		return domain.Template{}, false, l.keyConflict(scope, opts.IdempotencyKey, out, doc)
	}

	// Proceed: the claim is ours until completed or abandoned.
	tpl, created, err := l.persistTemplate(ctx, scope, id, canonicalBytes, opts)
	if err != nil {
		l.abandonClaim(ctx, scope, opts.IdempotencyKey)
		return domain.Template{}, false, err
	}
	snapshot, err := json.Marshal(tpl)
	if err == nil {
		err = l.idem.Complete(ctx, scope, opts.IdempotencyKey, snapshot)
	}
	if err != nil {
		l.abandonClaim(ctx, scope, opts.IdempotencyKey)
		return domain.Template{}, false, fmt.Errorf("complete idempotency claim: %w", err)
	}
	return tpl, created, nil
}

// persistTemplate tags and stores the template, then resolves
// whichever collision the store reports.
func (l *Ledger) persistTemplate(ctx context.Context, scope uuid.UUID, id identity.ContentHash, canonicalBytes []byte, opts MintOptions) (domain.Template, bool, error) {
	keyID, err := l.activeSeedKey(ctx)
	if err != nil {
		return domain.Template{}, false, err
	}

	t := domain.Template{
		Scope:               scope,
		Identity:            id,
		Name:                opts.Name,
		Canonical:           json.RawMessage(canonicalBytes),
		ProviderID:          opts.ProviderID,
		PinnedVersion:       opts.PinnedVersion,
		AllowedFingerprints: opts.AllowedFingerprints,
		SeedKeyID:           keyID,
	}
	payload, err := templateTagPayload(t)
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("build template tag payload: %w", err)
	}
	t.IntegrityTag, err = l.ring.Tag(keyID, payload)
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("tag template: %w", err)
	}

	tpl, created, err := l.templates.Create(ctx, t)
	if errors.Is(err, domain.ErrNameTaken) {
		return l.resolveNameCollision(ctx, t, opts.Supersede)
	}
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("persist template: %w", err)
	}
	if !created {
		// the content already exists; its row, including whatever pin
		// metadata it was created with, wins over this request's opts
		if err := l.verifyTemplate(tpl); err != nil {
			return domain.Template{}, false, err
		}
		l.metrics.RecordMint("template", "replayed")
		return tpl, false, nil
	}
	l.metrics.RecordMint("template", "created")
	slog.Info("template minted", "scope", scope, "identity", id.Short(), "name", opts.Name)
	return tpl, true, nil
}

// resolveNameCollision handles a create whose name is already held.
// Same identity under the name is a plain replay. Different identity
// either supersedes the name or fails with the structural diff.
func (l *Ledger) resolveNameCollision(ctx context.Context, t domain.Template, supersede bool) (domain.Template, bool, error) {
	holder, err := l.templates.GetByName(ctx, t.Scope, t.Name)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Template{}, false, fmt.Errorf("load holder of name %q: %w", t.Name, err)
	}
	haveHolder := err == nil

	if haveHolder && holder.Identity == t.Identity {
		if err := l.verifyTemplate(holder); err != nil {
			return domain.Template{}, false, err
		}
		l.metrics.RecordMint("template", "replayed")
		return holder, false, nil
	}

	if !supersede {
		conflict := &ConflictError{Scope: t.Scope, Name: t.Name}
		if haveHolder {
			conflict.ExistingIdentity = holder.Identity
			if patch, derr := diffCanonical(holder.Canonical, t.Canonical); derr == nil {
				conflict.Patch = patch
			}
		}
		l.metrics.RecordMint("template", "name_conflict")
		return domain.Template{}, false, conflict
	}

	// supersede: insert the row unnamed, then move the name onto it.
	// The tag ignores names, so it stays valid.
	unnamed := t
	unnamed.Name = ""
	tpl, created, err := l.templates.Create(ctx, unnamed)
	if err != nil {
		return domain.Template{}, false, fmt.Errorf("persist template: %w", err)
	}
	if err := l.templates.SupersedeName(ctx, t.Scope, t.Name, t.Identity); err != nil {
		return domain.Template{}, false, fmt.Errorf("supersede name %q: %w", t.Name, err)
	}
	tpl.Name = t.Name
	l.metrics.RecordMint("template", "superseded")
	slog.Info("template name superseded", "scope", t.Scope, "name", t.Name, "identity", t.Identity.Short())
	return tpl, created, nil
}

// keyConflict shapes an idempotency-key reuse into a ConflictError,
// attaching the winning request's template and diff when its snapshot
// is available.
func (l *Ledger) keyConflict(scope uuid.UUID, key string, out idempotency.Outcome, doc canonical.Value) error {
	conflict := &ConflictError{Scope: scope, Key: key, StoredHash: out.StoredHash}
	if len(out.Snapshot) == 0 {
		return conflict
	}
	var stored domain.Template
	if err := json.Unmarshal(out.Snapshot, &stored); err != nil {
		return conflict
	}
	conflict.ExistingIdentity = stored.Identity
	if patch, err := diffStoredAgainst(stored.Canonical, doc); err == nil {
		conflict.Patch = patch
	}
	return conflict
}

// DiffAgainstExisting computes the patch that rewrites an existing
// template's canonical document into the canonical form of a new raw
// configuration. Purely for human-readable conflict reporting.
func (l *Ledger) DiffAgainstExisting(ctx context.Context, scope uuid.UUID, newRaw RawConfig, existingID identity.ContentHash) ([]canonical.PatchOp, error) {
	if len(newRaw.Document) == 0 {
		return nil, &ValidationError{Field: "document", Reason: "must not be empty"}
	}
	doc, err := canonical.FromJSON(newRaw.Document, canonical.ParseOptions{
		SetPaths:    newRaw.SetPaths,
		SchemaPaths: newRaw.SchemaPaths,
	})
	if err != nil {
		return nil, &ValidationError{Field: "document", Reason: err.Error()}
	}

	existing, err := l.templates.Get(ctx, scope, existingID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", existingID.Short(), err)
	}
	if err := l.verifyTemplate(existing); err != nil {
		return nil, err
	}
	return diffStoredAgainst(existing.Canonical, doc)
}

// abandonClaim releases an idempotency claim on a failed create. It
// runs detached from the caller's context: cancellation is one of the
// failures it must clean up after.
func (l *Ledger) abandonClaim(ctx context.Context, scope uuid.UUID, key string) {
	if err := l.idem.Abandon(context.WithoutCancel(ctx), scope, key); err != nil {
		slog.Warn("abandon idempotency claim", "scope", scope, "key", key, "error", err)
	}
}

// activeSeedKey resolves which seed key new records are minted under.
// The store singleton is authoritative so rotation takes effect on
// every instance at once; a never-rotated store adopts the ring's
// configured active key.
func (l *Ledger) activeSeedKey(ctx context.Context) (string, error) {
	state, err := l.seedKeys.Active(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		state, err = l.seedKeys.Ensure(ctx, l.ring.ActiveID())
	}
	if err != nil {
		return "", fmt.Errorf("resolve active seed key: %w", err)
	}
	if !l.ring.Has(state.ActiveKeyID) {
		return "", fmt.Errorf("active seed key %q is not in the ring", state.ActiveKeyID)
	}
	return state.ActiveKeyID, nil
}

// requestHash digests the whole create request: the canonical
// document plus every option that changes what the create means.
// Reusing a key with any of it changed is a conflict, not a replay.
func requestHash(doc canonical.Value, opts MintOptions) (identity.ContentHash, error) {
	fps := make([]canonical.Value, 0, len(opts.AllowedFingerprints))
	for _, fp := range opts.AllowedFingerprints {
		fps = append(fps, canonical.String(fp))
	}
	req := canonical.Map{
		"document":             doc,
		"name":                 canonical.String(opts.Name),
		"provider_id":          canonical.String(opts.ProviderID),
		"pinned_version":       canonical.String(opts.PinnedVersion),
		"allowed_fingerprints": canonical.NewSet(fps...),
		"supersede":            canonical.Bool(opts.Supersede),
	}
	c, err := canonical.Canonicalize(req)
	if err != nil {
		return "", err
	}
	b, err := canonical.Serialize(c)
	if err != nil {
		return "", err
	}
	return identity.RequestHash(b), nil
}

// diffStoredAgainst parses stored canonical bytes and diffs them
// against an incoming parsed document.
func diffStoredAgainst(stored json.RawMessage, incoming canonical.Value) ([]canonical.PatchOp, error) {
	v, err := canonical.FromJSON(stored, canonical.ParseOptions{})
	if err != nil {
		return nil, fmt.Errorf("parse stored canonical document: %w", err)
	}
	return canonical.Diff(v, incoming)
}

// diffCanonical diffs two stored canonical byte forms.
func diffCanonical(stored, incoming json.RawMessage) ([]canonical.PatchOp, error) {
	v, err := canonical.FromJSON(incoming, canonical.ParseOptions{})
	if err != nil {
		return nil, fmt.Errorf("parse canonical document: %w", err)
	}
	return diffStoredAgainst(stored, v)
}
