package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/idempotency"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/keyring"
	"github.com/af-corp/sigil/internal/providercache"
	"github.com/af-corp/sigil/internal/reshape"
	"github.com/af-corp/sigil/internal/telemetry"
)

func tplKey(scope uuid.UUID, id identity.ContentHash) string {
	return scope.String() + "/" + string(id)
}

// memTemplates mimics the store's insert-or-load and name-uniqueness
// behavior. nameTaken forces the next Create to report ErrNameTaken,
// simulating the unique-index race where the name check fires even
// though the holder has the same content.
type memTemplates struct {
	mu        sync.Mutex
	rows      map[string]domain.Template
	nameTaken bool
}

func (s *memTemplates) Create(ctx context.Context, t domain.Template) (domain.Template, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Template{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken {
		s.nameTaken = false
		return domain.Template{}, false, domain.ErrNameTaken
	}
	if existing, ok := s.rows[tplKey(t.Scope, t.Identity)]; ok {
		return existing, false, nil
	}
	if t.Name != "" {
		for _, row := range s.rows {
			if row.Scope == t.Scope && row.Name == t.Name && row.Identity != t.Identity {
				return domain.Template{}, false, domain.ErrNameTaken
			}
		}
	}
	t.CreatedAt = time.Now().UTC()
	s.rows[tplKey(t.Scope, t.Identity)] = t
	return t, true, nil
}

func (s *memTemplates) Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[tplKey(scope, id)]
	if !ok {
		return domain.Template{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *memTemplates) GetByName(ctx context.Context, scope uuid.UUID, name string) (domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.rows {
		if t.Scope == scope && t.Name == name {
			return t, nil
		}
	}
	return domain.Template{}, domain.ErrNotFound
}

func (s *memTemplates) SupersedeName(ctx context.Context, scope uuid.UUID, name string, to identity.ContentHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.rows[tplKey(scope, to)]
	if !ok {
		return domain.ErrNotFound
	}
	for k, t := range s.rows {
		if t.Scope == scope && t.Name == name {
			t.Name = ""
			s.rows[k] = t
		}
	}
	target.Name = name
	s.rows[tplKey(scope, to)] = target
	return nil
}

type memRuns struct {
	mu   sync.Mutex
	rows map[string]domain.Run
}

func (s *memRuns) Create(ctx context.Context, r domain.Run) (domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[tplKey(r.Scope, r.Identity)]; ok {
		return existing, false, nil
	}
	r.CreatedAt = time.Now().UTC()
	s.rows[tplKey(r.Scope, r.Identity)] = r
	return r, true, nil
}

func (s *memRuns) Get(ctx context.Context, scope uuid.UUID, id identity.ContentHash) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[tplKey(scope, id)]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

type memSeedKeys struct {
	mu    sync.Mutex
	state *domain.SeedKeyState
}

func (s *memSeedKeys) Active(ctx context.Context) (domain.SeedKeyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return domain.SeedKeyState{}, domain.ErrNotFound
	}
	return *s.state, nil
}

func (s *memSeedKeys) Ensure(ctx context.Context, keyID string) (domain.SeedKeyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &domain.SeedKeyState{ActiveKeyID: keyID, RotatedAt: time.Now().UTC()}
	}
	return *s.state, nil
}

func (s *memSeedKeys) Rotate(ctx context.Context, keyID string) (domain.SeedKeyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &domain.SeedKeyState{ActiveKeyID: keyID, RotatedAt: time.Now().UTC()}
	return *s.state, nil
}

// memClaims is a minimal idempotency.Store backing a real Manager.
type memClaims struct {
	mu   sync.Mutex
	rows map[string]idempotency.Record
}

func (s *memClaims) Claim(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash, ttl time.Duration) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope.String() + "/" + key
	if existing, ok := s.rows[k]; ok && existing.ExpiresAt.After(time.Now()) {
		return existing, false, nil
	}
	rec := idempotency.Record{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		State:       idempotency.StateInFlight,
		ExpiresAt:   time.Now().Add(ttl),
	}
	s.rows[k] = rec
	return rec, true, nil
}

func (s *memClaims) Get(ctx context.Context, scope uuid.UUID, key string) (idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[scope.String()+"/"+key]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return idempotency.Record{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memClaims) Complete(ctx context.Context, scope uuid.UUID, key string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope.String() + "/" + key
	rec, ok := s.rows[k]
	if !ok {
		return fmt.Errorf("no claim for key %q", key)
	}
	rec.State = idempotency.StateCompleted
	rec.Snapshot = snapshot
	s.rows[k] = rec
	return nil
}

func (s *memClaims) Delete(ctx context.Context, scope uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, scope.String()+"/"+key)
	return nil
}

func (s *memClaims) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.rows {
		if !rec.ExpiresAt.After(time.Now()) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

type stubVersions struct {
	lookup providercache.Lookup
	err    error
}

func (s *stubVersions) GetOrRefresh(ctx context.Context, providerID string, force bool) (providercache.Lookup, error) {
	if s.err != nil {
		return providercache.Lookup{}, s.err
	}
	return s.lookup, nil
}

type testLedger struct {
	*Ledger
	templates *memTemplates
	runs      *memRuns
	seedKeys  *memSeedKeys
	claims    *memClaims
	versions  *stubVersions
}

func newTestMetrics() *telemetry.Metrics {
	return &telemetry.Metrics{
		MintTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mint_total"}, []string{"resource", "result"}),
		IdempotencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "idempotency_total"}, []string{"outcome"}),
		IntegrityFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "integrity_failure_total"}, []string{"resource"}),
	}
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	ring, err := keyring.New("k1", []keyring.Key{
		{ID: "k1", Secret: []byte("k1-secret-0123456789abcdef")},
		{ID: "k2", Secret: []byte("k2-secret-0123456789abcdef")},
	})
	require.NoError(t, err)

	templates := &memTemplates{rows: map[string]domain.Template{}}
	runs := &memRuns{rows: map[string]domain.Run{}}
	seedKeys := &memSeedKeys{}
	claims := &memClaims{rows: map[string]idempotency.Record{}}
	versions := &stubVersions{lookup: providercache.Lookup{
		Entry: providercache.Entry{
			ProviderID:     "openai",
			CurrentVersion: "v3",
			KnownVersions: []providercache.Version{
				{Version: "v3", Fingerprint: "fp-3"},
				{Version: "v4", Fingerprint: "fp-4"},
			},
			FetchedAt: time.Now(),
			ExpiresAt: time.Now().Add(time.Minute),
		},
		Source: providercache.SourceCache,
	}}

	metrics := newTestMetrics()
	idem := idempotency.NewManager(claims, nil, metrics, idempotency.Config{
		TTL:          time.Hour,
		WaitTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	})

	return &testLedger{
		Ledger: New(Deps{
			Templates:   templates,
			Runs:        runs,
			SeedKeys:    seedKeys,
			Idempotency: idem,
			Versions:    versions,
			Ring:        ring,
			Metrics:     metrics,
		}),
		templates: templates,
		runs:      runs,
		seedKeys:  seedKeys,
		claims:    claims,
		versions:  versions,
	}
}

func mintPinned(t *testing.T, tl *testLedger, scope uuid.UUID, pin string, fps ...string) domain.Template {
	t.Helper()
	tpl, _, err := tl.MintTemplate(context.Background(), scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.7}`),
	}, MintOptions{ProviderID: "openai", PinnedVersion: pin, AllowedFingerprints: fps})
	require.NoError(t, err)
	return tpl
}

func testFacts(t *testing.T) ExecutionFacts {
	t.Helper()
	g := reshape.NewGuard()
	require.NoError(t, g.BeginGrounding())
	require.NoError(t, g.RecordToolCall("search"))
	require.NoError(t, g.CompleteGrounding([]byte(`{"results":["a"]}`)))
	require.NoError(t, g.BeginReshape())
	require.NoError(t, g.Commit(identity.OutputText, []byte("answer\n")))
	facts, err := FactsFromGuard(g, 0, nil)
	require.NoError(t, err)
	return facts
}

func TestMintTemplateCreatesThenDedupesByContent(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	tpl, isNew, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","stop":["b","a"],"temperature":0.7}`),
		SetPaths: []string{"stop"},
	}, MintOptions{})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Len(t, string(tpl.Identity), 64)
	assert.Equal(t, "k1", tpl.SeedKeyID)
	assert.NotEmpty(t, tpl.IntegrityTag)

	// key order, trailing zeros, and set duplicates are identity-neutral
	again, isNew, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"temperature":0.70,"model":"gpt-4","stop":["a","b","b"]}`),
		SetPaths: []string{"stop"},
	}, MintOptions{})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, tpl.Identity, again.Identity)

	tl.templates.mu.Lock()
	assert.Len(t, tl.templates.rows, 1)
	tl.templates.mu.Unlock()
}

func TestMintTemplateValidation(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		scope uuid.UUID
		raw   RawConfig
		opts  MintOptions
		field string
	}{
		{"empty scope", uuid.Nil, RawConfig{Document: json.RawMessage(`{}`)}, MintOptions{}, "scope"},
		{"empty document", uuid.New(), RawConfig{}, MintOptions{}, "document"},
		{"malformed document", uuid.New(), RawConfig{Document: json.RawMessage(`{"a":`)}, MintOptions{}, "document"},
		{"duplicate keys", uuid.New(), RawConfig{Document: json.RawMessage(`{"a":1,"a":2}`)}, MintOptions{}, "document"},
		{"pin without provider", uuid.New(), RawConfig{Document: json.RawMessage(`{}`)}, MintOptions{PinnedVersion: "v3"}, "provider_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := tl.MintTemplate(ctx, tc.scope, tc.raw, tc.opts)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestMintTemplateIdempotencyReplay(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()
	raw := RawConfig{Document: json.RawMessage(`{"model":"gpt-4"}`)}
	opts := MintOptions{IdempotencyKey: "create-1"}

	first, isNew, err := tl.MintTemplate(ctx, scope, raw, opts)
	require.NoError(t, err)
	require.True(t, isNew)

	second, isNew, err := tl.MintTemplate(ctx, scope, raw, opts)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.Identity, second.Identity)

	tl.templates.mu.Lock()
	assert.Len(t, tl.templates.rows, 1)
	tl.templates.mu.Unlock()
}

func TestMintTemplateIdempotencyConflict(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	first, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.7}`),
	}, MintOptions{IdempotencyKey: "create-1"})
	require.NoError(t, err)

	_, _, err = tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.9}`),
	}, MintOptions{IdempotencyKey: "create-1"})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "create-1", conflict.Key)
	assert.Equal(t, first.Identity, conflict.ExistingIdentity)
	assert.NotEmpty(t, conflict.StoredHash)
	require.Len(t, conflict.Patch, 1)
	assert.Equal(t, "replace", conflict.Patch[0].Op)
	assert.Equal(t, "/temperature", conflict.Patch[0].Path)
}

func TestMintTemplateNameConflictCarriesDiff(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	first, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.7}`),
	}, MintOptions{Name: "prod"})
	require.NoError(t, err)

	_, _, err = tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.9}`),
	}, MintOptions{Name: "prod"})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.Key)
	assert.Equal(t, "prod", conflict.Name)
	assert.Equal(t, first.Identity, conflict.ExistingIdentity)
	require.Len(t, conflict.Patch, 1)
	assert.Equal(t, "/temperature", conflict.Patch[0].Path)
}

func TestMintTemplateSupersedeMovesName(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	old, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4"}`),
	}, MintOptions{Name: "prod"})
	require.NoError(t, err)

	newer, isNew, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4.1"}`),
	}, MintOptions{Name: "prod", Supersede: true})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "prod", newer.Name)

	byName, err := tl.templates.GetByName(ctx, scope, "prod")
	require.NoError(t, err)
	assert.Equal(t, newer.Identity, byName.Identity)

	// the old row keeps its content and identity, just not the name
	oldRow, err := tl.templates.Get(ctx, scope, old.Identity)
	require.NoError(t, err)
	assert.Empty(t, oldRow.Name)

	// its integrity tag still verifies: names are not tag-covered
	_, err = tl.LocaleContext(ctx, scope, old.Identity, "en-US")
	require.NoError(t, err)
}

func TestMintTemplateNameRaceReplays(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()
	raw := RawConfig{Document: json.RawMessage(`{"model":"gpt-4"}`)}

	first, _, err := tl.MintTemplate(ctx, scope, raw, MintOptions{Name: "prod"})
	require.NoError(t, err)

	tl.templates.mu.Lock()
	tl.templates.nameTaken = true
	tl.templates.mu.Unlock()

	again, isNew, err := tl.MintTemplate(ctx, scope, raw, MintOptions{Name: "prod"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.Identity, again.Identity)
}

func TestMintTemplateCanceledLeavesNothing(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	raw := RawConfig{Document: json.RawMessage(`{"model":"gpt-4"}`)}
	opts := MintOptions{IdempotencyKey: "create-1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := tl.MintTemplate(ctx, scope, raw, opts)
	require.ErrorIs(t, err, context.Canceled)

	tl.templates.mu.Lock()
	assert.Empty(t, tl.templates.rows)
	tl.templates.mu.Unlock()
	tl.claims.mu.Lock()
	assert.Empty(t, tl.claims.rows, "the abandoned claim must not linger")
	tl.claims.mu.Unlock()

	// the key is immediately reusable
	tpl, isNew, err := tl.MintTemplate(context.Background(), scope, raw, opts)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, tpl.Identity)
}

func TestMintRunExactPinMatch(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")
	facts := testFacts(t)

	run, pinnedOK, err := tl.MintRun(context.Background(), scope, tpl.Identity, facts)
	require.NoError(t, err)
	assert.True(t, pinnedOK)
	assert.Equal(t, "v3", run.ResolvedVersion)
	assert.Equal(t, "fp-3", run.ResolvedFingerprint)
	assert.Equal(t, tpl.Identity, run.TemplateIdentity)
	assert.Len(t, string(run.Identity), 64)
	assert.NotEmpty(t, run.IntegrityTag)
	assert.Equal(t, identity.OutputText, run.OutputKind)

	// identical facts resolve to the same run row
	again, pinnedOK, err := tl.MintRun(context.Background(), scope, tpl.Identity, facts)
	require.NoError(t, err)
	assert.True(t, pinnedOK)
	assert.Equal(t, run.Identity, again.Identity)

	tl.runs.mu.Lock()
	assert.Len(t, tl.runs.rows, 1)
	tl.runs.mu.Unlock()
}

func TestMintRunPinMismatchIsFatal(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")
	tl.versions.lookup.Entry.CurrentVersion = "v4"

	_, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	var mismatch *PinMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "v3", mismatch.Pinned)
	assert.Equal(t, "v4", mismatch.Current)

	tl.runs.mu.Lock()
	assert.Empty(t, tl.runs.rows, "a mismatched run must never be recorded")
	tl.runs.mu.Unlock()
}

func TestMintRunFingerprintAllowList(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3", "fp-4")
	tl.versions.lookup.Entry.CurrentVersion = "v4"

	run, pinnedOK, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	require.NoError(t, err)
	assert.False(t, pinnedOK, "allow-list acceptance is not an exact pin match")
	assert.Equal(t, "v4", run.ResolvedVersion)
	assert.Equal(t, "fp-4", run.ResolvedFingerprint)
}

func TestMintRunUnpinnedAcceptsCurrent(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "")

	run, pinnedOK, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	require.NoError(t, err)
	assert.True(t, pinnedOK)
	assert.Equal(t, "v3", run.ResolvedVersion)
}

func TestMintRunOverridesAndAttemptChangeIdentity(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")
	facts := testFacts(t)

	plain, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, facts)
	require.NoError(t, err)

	overridden := facts
	overridden.Overrides = json.RawMessage(`{"temperature":0.2}`)
	other, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, overridden)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Identity, other.Identity)

	retry := facts
	retry.Attempt = 1
	second, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, retry)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Identity, second.Identity)
}

func TestMintRunTamperedPinFailsIntegrity(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")

	// edit the pin column behind the ledger's back
	tl.templates.mu.Lock()
	row := tl.templates.rows[tplKey(scope, tpl.Identity)]
	row.PinnedVersion = "v4"
	tl.templates.rows[tplKey(scope, tpl.Identity)] = row
	tl.templates.mu.Unlock()

	_, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestMintRunTamperedContentFailsIntegrity(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")

	tl.templates.mu.Lock()
	row := tl.templates.rows[tplKey(scope, tpl.Identity)]
	row.Canonical = json.RawMessage(`{"model":"gpt-5"}`)
	tl.templates.rows[tplKey(scope, tpl.Identity)] = row
	tl.templates.mu.Unlock()

	_, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	require.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestMintRunColdStartPropagates(t *testing.T) {
	tl := newTestLedger(t)
	scope := uuid.New()
	tpl := mintPinned(t, tl, scope, "v3")
	tl.versions.err = fmt.Errorf("provider %q: %w: connection refused", "openai", providercache.ErrColdStart)

	_, _, err := tl.MintRun(context.Background(), scope, tpl.Identity, testFacts(t))
	require.ErrorIs(t, err, providercache.ErrColdStart)
}

func TestFactsRequireCommittedGuard(t *testing.T) {
	g := reshape.NewGuard()
	require.NoError(t, g.BeginGrounding())
	_, err := FactsFromGuard(g, 0, nil)
	require.ErrorIs(t, err, reshape.ErrNotCommitted)

	// a guard that broke the reshape discipline never yields facts
	g2 := reshape.NewGuard()
	require.NoError(t, g2.BeginGrounding())
	require.NoError(t, g2.CompleteGrounding([]byte("evidence")))
	require.NoError(t, g2.BeginReshape())
	require.ErrorIs(t, g2.RecordToolCall("search"), reshape.ErrToolCallDuringReshape)
	_, err = FactsFromGuard(g2, 0, nil)
	require.ErrorIs(t, err, reshape.ErrNotCommitted)
	require.ErrorIs(t, err, reshape.ErrToolCallDuringReshape)
}

func TestSeedRotationInvariance(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	tpl, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4"}`),
	}, MintOptions{})
	require.NoError(t, err)
	assert.Equal(t, "k1", tpl.SeedKeyID)

	before, err := tl.LocaleContext(ctx, scope, tpl.Identity, "en-US")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	state, err := tl.RotateSeedKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", state.ActiveKeyID)

	after, err := tl.LocaleContext(ctx, scope, tpl.Identity, "en-US")
	require.NoError(t, err)
	assert.Equal(t, before, after, "derivation must not change under rotation")

	// new templates mint under the rotated key
	newer, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4.1"}`),
	}, MintOptions{})
	require.NoError(t, err)
	assert.Equal(t, "k2", newer.SeedKeyID)
}

func TestRotateSeedKeyRejectsUnknownKey(t *testing.T) {
	tl := newTestLedger(t)
	_, err := tl.RotateSeedKey(context.Background(), "k9")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "key_id", verr.Field)
}

func TestDiffAgainstExisting(t *testing.T) {
	tl := newTestLedger(t)
	ctx := context.Background()
	scope := uuid.New()

	tpl, _, err := tl.MintTemplate(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.7}`),
	}, MintOptions{})
	require.NoError(t, err)

	ops, err := tl.DiffAgainstExisting(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"model":"gpt-4","temperature":0.9,"top_p":0.95}`),
	}, tpl.Identity)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/temperature", ops[0].Path)
	assert.Equal(t, "add", ops[1].Op)
	assert.Equal(t, "/top_p", ops[1].Path)

	// a formatting-only variant diffs to an empty patch
	ops, err = tl.DiffAgainstExisting(ctx, scope, RawConfig{
		Document: json.RawMessage(`{"temperature":0.70,"model":"gpt-4"}`),
	}, tpl.Identity)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
