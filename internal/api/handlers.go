package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/canonical"
	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/httputil"
	"github.com/af-corp/sigil/internal/idempotency"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/ledger"
	"github.com/af-corp/sigil/internal/providercache"
)

// inFlightRetryAfter is the Retry-After hint sent while another
// request still holds an idempotency key.
const inFlightRetryAfter = 2 * time.Second

type createTemplateRequest struct {
	Document            json.RawMessage `json:"document"`
	SetPaths            []string        `json:"set_paths,omitempty"`
	SchemaPaths         []string        `json:"schema_paths,omitempty"`
	Name                string          `json:"name,omitempty"`
	ProviderID          string          `json:"provider_id,omitempty"`
	PinnedVersion       string          `json:"pinned_version,omitempty"`
	AllowedFingerprints []string        `json:"allowed_fingerprints,omitempty"`
	Supersede           bool            `json:"supersede,omitempty"`
}

type templateResponse struct {
	Template domain.Template `json:"template"`
	IsNew    bool            `json:"is_new"`
}

// CreateTemplate handles POST /v1/orgs/{org}/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	scope, err := uuid.Parse(chi.URLParam(r, "org"))
	if err != nil {
		httputil.WriteValidationError(w, reqID, "org must be a UUID")
		return
	}

	var req createTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	raw := ledger.RawConfig{
		Document:    req.Document,
		SetPaths:    req.SetPaths,
		SchemaPaths: req.SchemaPaths,
	}
	opts := ledger.MintOptions{
		Name:                req.Name,
		ProviderID:          req.ProviderID,
		PinnedVersion:       req.PinnedVersion,
		AllowedFingerprints: req.AllowedFingerprints,
		IdempotencyKey:      r.Header.Get("Idempotency-Key"),
		Supersede:           req.Supersede,
	}

	tpl, isNew, err := h.svc.MintTemplate(r.Context(), scope, raw, opts)
	if err != nil {
		h.writeLedgerError(w, reqID, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, templateResponse{Template: tpl, IsNew: isNew})
}

type diffRequest struct {
	Document    json.RawMessage `json:"document"`
	SetPaths    []string        `json:"set_paths,omitempty"`
	SchemaPaths []string        `json:"schema_paths,omitempty"`
}

type diffResponse struct {
	Patch []canonical.PatchOp `json:"patch"`
}

// DiffTemplate handles POST /v1/orgs/{org}/templates/{identity}/diff
func (h *Handler) DiffTemplate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	scope, err := uuid.Parse(chi.URLParam(r, "org"))
	if err != nil {
		httputil.WriteValidationError(w, reqID, "org must be a UUID")
		return
	}
	existingID := identity.ContentHash(chi.URLParam(r, "identity"))

	var req diffRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	raw := ledger.RawConfig{
		Document:    req.Document,
		SetPaths:    req.SetPaths,
		SchemaPaths: req.SchemaPaths,
	}
	patch, err := h.svc.DiffAgainstExisting(r.Context(), scope, raw, existingID)
	if err != nil {
		h.writeLedgerError(w, reqID, err)
		return
	}
	if patch == nil {
		patch = []canonical.PatchOp{}
	}
	writeJSON(w, http.StatusOK, diffResponse{Patch: patch})
}

type createRunRequest struct {
	Attempt      int64           `json:"attempt"`
	Overrides    json.RawMessage `json:"overrides,omitempty"`
	EvidenceHash string          `json:"evidence_hash,omitempty"`
	OutputKind   string          `json:"output_kind"`
	OutputHash   string          `json:"output_hash"`
}

type runResponse struct {
	Run      domain.Run `json:"run"`
	PinnedOK bool       `json:"pinned_ok"`
}

// CreateRun handles POST /v1/orgs/{org}/templates/{identity}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	scope, err := uuid.Parse(chi.URLParam(r, "org"))
	if err != nil {
		httputil.WriteValidationError(w, reqID, "org must be a UUID")
		return
	}
	templateID := identity.ContentHash(chi.URLParam(r, "identity"))

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	facts := ledger.ExecutionFacts{
		Attempt:      req.Attempt,
		Overrides:    req.Overrides,
		EvidenceHash: identity.ContentHash(req.EvidenceHash),
		OutputKind:   identity.OutputKind(req.OutputKind),
		OutputHash:   identity.ContentHash(req.OutputHash),
	}

	run, pinnedOK, err := h.svc.MintRun(r.Context(), scope, templateID, facts)
	if err != nil {
		h.writeLedgerError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusCreated, runResponse{Run: run, PinnedOK: pinnedOK})
}

type rotateKeyRequest struct {
	KeyID string `json:"key_id"`
}

// RotateSeedKey handles POST /v1/admin/seed-keys/rotate
func (h *Handler) RotateSeedKey(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	var req rotateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteValidationError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	state, err := h.svc.RotateSeedKey(r.Context(), req.KeyID)
	if err != nil {
		h.writeLedgerError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type providerVersionsResponse struct {
	ProviderID     string                  `json:"provider_id"`
	CurrentVersion string                  `json:"current_version"`
	KnownVersions  []providercache.Version `json:"known_versions,omitempty"`
	FetchedAt      time.Time               `json:"fetched_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
	Source         string                  `json:"source"`
	Refreshing     bool                    `json:"refreshing,omitempty"`
}

// ProviderVersions handles GET /v1/providers/{provider}/versions
func (h *Handler) ProviderVersions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	providerID := chi.URLParam(r, "provider")
	force := r.URL.Query().Get("force") == "true"

	lookup, err := h.versions.GetOrRefresh(r.Context(), providerID, force)
	if err != nil {
		h.writeLedgerError(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, providerVersionsResponse{
		ProviderID:     lookup.Entry.ProviderID,
		CurrentVersion: lookup.Entry.CurrentVersion,
		KnownVersions:  lookup.Entry.KnownVersions,
		FetchedAt:      lookup.Entry.FetchedAt,
		ExpiresAt:      lookup.Entry.ExpiresAt,
		Source:         string(lookup.Source),
		Refreshing:     lookup.Refreshing,
	})
}

// writeLedgerError maps the ledger error taxonomy onto the wire.
// Client-caused errors carry enough detail to self-correct; anything
// unrecognized is a plain 500.
func (h *Handler) writeLedgerError(w http.ResponseWriter, reqID string, err error) {
	var vErr *ledger.ValidationError
	var cErr *ledger.ConflictError
	var pErr *ledger.PinMismatchError

	switch {
	case errors.As(err, &vErr):
		httputil.WriteValidationError(w, reqID, vErr.Error())
	case errors.As(err, &cErr):
		writeConflict(w, reqID, cErr)
	case errors.Is(err, idempotency.ErrStillInFlight):
		httputil.WriteInFlightError(w, reqID, inFlightRetryAfter,
			"A request with this idempotency key is still in flight")
	case errors.As(err, &pErr):
		httputil.WritePinMismatchError(w, reqID, pErr.Error())
	case errors.Is(err, ledger.ErrIntegrityViolation):
		httputil.WriteIntegrityError(w, reqID, "Stored record failed integrity verification")
	case errors.Is(err, providercache.ErrColdStart):
		httputil.WriteServiceUnavailableError(w, reqID, "Provider metadata unavailable")
	case errors.Is(err, domain.ErrNotFound):
		httputil.WriteNotFoundError(w, reqID, "No such record")
	default:
		slog.Error("request failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Internal error")
	}
}

func writeConflict(w http.ResponseWriter, reqID string, cErr *ledger.ConflictError) {
	code := "template_name_taken"
	if cErr.Key != "" {
		code = "idempotency_key_reuse"
	}
	body := httputil.APIErrorBody{
		Message:          cErr.Error(),
		Type:             "conflict_error",
		Code:             code,
		ExistingIdentity: string(cErr.ExistingIdentity),
	}
	if len(cErr.Patch) > 0 {
		if diff, err := json.Marshal(cErr.Patch); err == nil {
			body.Diff = diff
		}
	}
	httputil.WriteBody(w, reqID, http.StatusConflict, body)
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
