package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/canonical"
	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/providercache"
	"github.com/af-corp/sigil/internal/reshape"
)

// ExecutionFacts is what one execution attempt contributes to its run
// record. Evidence and output hashes come from a committed reshape
// guard; build facts with FactsFromGuard.
type ExecutionFacts struct {
	// Attempt distinguishes retries of the same logical execution.
	Attempt int64

	// Overrides holds per-run parameter deviations from the template
	// as raw JSON. Empty means none.
	Overrides json.RawMessage

	EvidenceHash identity.ContentHash
	OutputKind   identity.OutputKind
	OutputHash   identity.ContentHash
}

// FactsFromGuard extracts execution facts from a committed reshape
// guard. The guard only answers after commit, so a run cannot be
// minted for an execution that skipped the grounded-then-reshape
// discipline.
func FactsFromGuard(g *reshape.Guard, attempt int64, overrides json.RawMessage) (ExecutionFacts, error) {
	f, err := g.Facts()
	if err != nil {
		return ExecutionFacts{}, err
	}
	return ExecutionFacts{
		Attempt:      attempt,
		Overrides:    overrides,
		EvidenceHash: f.EvidenceHash,
		OutputKind:   f.OutputKind,
		OutputHash:   f.OutputHash,
	}, nil
}

// MintRun records one execution attempt against a template. The
// template's pin constraint is checked against what the provider
// currently reports; a mismatch is fatal and never substituted.
// pinnedOK reports whether the exact pinned version matched, as
// opposed to acceptance through the fingerprint allow-list.
func (l *Ledger) MintRun(ctx context.Context, scope uuid.UUID, templateID identity.ContentHash, facts ExecutionFacts) (domain.Run, bool, error) {
	if scope == uuid.Nil {
		return domain.Run{}, false, &ValidationError{Field: "scope", Reason: "must not be empty"}
	}
	if templateID == "" {
		return domain.Run{}, false, &ValidationError{Field: "template_id", Reason: "must not be empty"}
	}
	if facts.Attempt < 0 {
		return domain.Run{}, false, &ValidationError{Field: "attempt", Reason: "must not be negative"}
	}
	if _, err := identity.ParseOutputKind(string(facts.OutputKind)); err != nil {
		return domain.Run{}, false, &ValidationError{Field: "output_kind", Reason: err.Error()}
	}
	if facts.OutputHash == "" {
		return domain.Run{}, false, &ValidationError{Field: "output_hash", Reason: "must not be empty"}
	}

	tpl, err := l.templates.Get(ctx, scope, templateID)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("load template %s: %w", templateID.Short(), err)
	}
	if err := l.verifyTemplate(tpl); err != nil {
		return domain.Run{}, false, err
	}
	if tpl.ProviderID == "" {
		return domain.Run{}, false, &ValidationError{Field: "template_id", Reason: "template has no provider binding"}
	}

	lookup, err := l.versions.GetOrRefresh(ctx, tpl.ProviderID, false)
	if err != nil {
		return domain.Run{}, false, err
	}
	current := currentVersion(lookup.Entry)
	resolved, pinnedOK, ok := resolvePin(tpl, current)
	if !ok {
		l.metrics.RecordMint("run", "pin_mismatch")
		slog.Warn("pin mismatch",
			"scope", scope,
			"template", tpl.Identity.Short(),
			"pinned", tpl.PinnedVersion,
			"current", current.Version)
		return domain.Run{}, false, &PinMismatchError{
			TemplateID:   tpl.Identity,
			Pinned:       tpl.PinnedVersion,
			Current:      current.Version,
			Fingerprints: tpl.AllowedFingerprints,
		}
	}

	var overrides canonical.Value
	if len(facts.Overrides) > 0 {
		overrides, err = canonical.FromJSON(facts.Overrides, canonical.ParseOptions{})
		if err != nil {
			return domain.Run{}, false, &ValidationError{Field: "overrides", Reason: err.Error()}
		}
	}

	runID, err := identity.RunID(identity.RunIdentity{
		Template:    tpl.Identity,
		Provider:    tpl.ProviderID,
		Version:     resolved.Version,
		Fingerprint: resolved.Fingerprint,
		Attempt:     facts.Attempt,
		Overrides:   overrides,
	})
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("derive run identity: %w", err)
	}

	r := domain.Run{
		Scope:               scope,
		Identity:            runID,
		TemplateIdentity:    tpl.Identity,
		ProviderID:          tpl.ProviderID,
		ResolvedVersion:     resolved.Version,
		ResolvedFingerprint: resolved.Fingerprint,
		Attempt:             facts.Attempt,
		EvidenceHash:        facts.EvidenceHash,
		OutputKind:          facts.OutputKind,
		OutputHash:          facts.OutputHash,
	}
	payload, err := runTagPayload(r)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("build run tag payload: %w", err)
	}
	// runs tag under their template's seed key, so the whole lineage
	// of a template verifies under one key id
	r.IntegrityTag, err = l.ring.Tag(tpl.SeedKeyID, payload)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("tag run: %w", err)
	}

	run, created, err := l.runs.Create(ctx, r)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("persist run: %w", err)
	}
	if !created {
		if err := l.verifyRun(run); err != nil {
			return domain.Run{}, false, err
		}
		l.metrics.RecordMint("run", "replayed")
		return run, pinnedOK, nil
	}
	l.metrics.RecordMint("run", "created")
	return run, pinnedOK, nil
}

// currentVersion pairs the entry's current version label with its
// fingerprint from the known-versions list.
func currentVersion(e providercache.Entry) providercache.Version {
	for _, v := range e.KnownVersions {
		if v.Version == e.CurrentVersion {
			return v
		}
	}
	return providercache.Version{Version: e.CurrentVersion}
}

// resolvePin checks a template's pin constraint against the
// provider's current version. pinnedOK is true only for an exact
// version match; acceptance through the fingerprint allow-list keeps
// the run legal but reports the divergence. An unpinned template
// accepts anything.
func resolvePin(tpl domain.Template, current providercache.Version) (resolved providercache.Version, pinnedOK, ok bool) {
	if tpl.PinnedVersion == "" || tpl.PinnedVersion == current.Version {
		return current, true, true
	}
	for _, fp := range tpl.AllowedFingerprints {
		if fp != "" && fp == current.Fingerprint {
			return current, false, true
		}
	}
	return providercache.Version{}, false, false
}

// verifyTemplate re-checks a stored template on read: the canonical
// bytes must still hash to the identity, and the integrity tag must
// verify. Either failing means corruption or tampering, and the
// record is never repaired or served.
func (l *Ledger) verifyTemplate(t domain.Template) error {
	if identity.TemplateID(t.Canonical) != t.Identity {
		l.metrics.RecordIntegrityFailure("template")
		return fmt.Errorf("template %s: %w: canonical bytes do not match identity", t.Identity.Short(), ErrIntegrityViolation)
	}
	payload, err := templateTagPayload(t)
	if err != nil {
		return fmt.Errorf("template %s: rebuild tag payload: %w", t.Identity.Short(), err)
	}
	if err := l.ring.Verify(t.IntegrityTag, payload); err != nil {
		l.metrics.RecordIntegrityFailure("template")
		return fmt.Errorf("template %s: %w: %v", t.Identity.Short(), ErrIntegrityViolation, err)
	}
	return nil
}

// verifyRun re-checks a stored run's integrity tag on read.
func (l *Ledger) verifyRun(r domain.Run) error {
	payload, err := runTagPayload(r)
	if err != nil {
		return fmt.Errorf("run %s: rebuild tag payload: %w", r.Identity.Short(), err)
	}
	if err := l.ring.Verify(r.IntegrityTag, payload); err != nil {
		l.metrics.RecordIntegrityFailure("run")
		return fmt.Errorf("run %s: %w: %v", r.Identity.Short(), ErrIntegrityViolation, err)
	}
	return nil
}

// templateTagPayload builds the canonical byte form of a template's
// immutable columns for integrity tagging. Names are excluded: a
// supersede moves them without re-minting. Canonical content is
// covered through the identity, which verifyTemplate recomputes from
// the stored bytes.
func templateTagPayload(t domain.Template) ([]byte, error) {
	fps := make([]canonical.Value, 0, len(t.AllowedFingerprints))
	for _, fp := range t.AllowedFingerprints {
		fps = append(fps, canonical.String(fp))
	}
	return tagPayload(canonical.Map{
		"scope":                canonical.String(t.Scope.String()),
		"identity":             canonical.String(string(t.Identity)),
		"provider_id":          canonical.String(t.ProviderID),
		"pinned_version":       canonical.String(t.PinnedVersion),
		"allowed_fingerprints": canonical.NewSet(fps...),
		"seed_key_id":          canonical.String(t.SeedKeyID),
	})
}

// runTagPayload builds the canonical byte form of a run's columns for
// integrity tagging.
func runTagPayload(r domain.Run) ([]byte, error) {
	return tagPayload(canonical.Map{
		"scope":                canonical.String(r.Scope.String()),
		"identity":             canonical.String(string(r.Identity)),
		"template_identity":    canonical.String(string(r.TemplateIdentity)),
		"provider_id":          canonical.String(r.ProviderID),
		"resolved_version":     canonical.String(r.ResolvedVersion),
		"resolved_fingerprint": canonical.String(r.ResolvedFingerprint),
		"attempt":              canonical.NumberFromInt(r.Attempt),
		"evidence_hash":        canonical.String(string(r.EvidenceHash)),
		"output_kind":          canonical.String(string(r.OutputKind)),
		"output_hash":          canonical.String(string(r.OutputHash)),
	})
}

func tagPayload(doc canonical.Map) ([]byte, error) {
	c, err := canonical.Canonicalize(doc)
	if err != nil {
		return nil, err
	}
	return canonical.Serialize(c)
}
