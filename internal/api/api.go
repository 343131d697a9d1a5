// Package api is the HTTP boundary of the sigil service. It hosts the
// ledger operations behind a chi router and maps the ledger's error
// taxonomy onto the wire envelope. Handlers stay thin: parse, call,
// translate.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/af-corp/sigil/internal/canonical"
	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/ledger"
	"github.com/af-corp/sigil/internal/ratelimit"
	"github.com/af-corp/sigil/internal/telemetry"
)

// Service is the slice of the ledger the HTTP boundary calls.
type Service interface {
	MintTemplate(ctx context.Context, scope uuid.UUID, raw ledger.RawConfig, opts ledger.MintOptions) (domain.Template, bool, error)
	MintRun(ctx context.Context, scope uuid.UUID, templateID identity.ContentHash, facts ledger.ExecutionFacts) (domain.Run, bool, error)
	RotateSeedKey(ctx context.Context, newKeyID string) (domain.SeedKeyState, error)
	DiffAgainstExisting(ctx context.Context, scope uuid.UUID, newRaw ledger.RawConfig, existingID identity.ContentHash) ([]canonical.PatchOp, error)
}

// Handler holds dependencies for the sigil HTTP handlers.
type Handler struct {
	svc      Service
	versions ledger.VersionSource
	metrics  *telemetry.Metrics
	version  string
}

func NewHandler(svc Service, versions ledger.VersionSource, metrics *telemetry.Metrics, version string) *Handler {
	return &Handler{
		svc:      svc,
		versions: versions,
		metrics:  metrics,
		version:  version,
	}
}

// RouterConfig carries the knobs the router needs beyond its handler.
type RouterConfig struct {
	// RateLimit and RateWindow shape the per-scope create throttle.
	RateLimit  int64
	RateWindow time.Duration
}

// NewRouter assembles the service routes. Mutating org routes sit
// behind the per-scope throttle; reads and health do not.
func NewRouter(h *Handler, limiter *ratelimit.Limiter, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(h.observe)

	r.Get("/sigil/v1/health", h.Health)
	r.Get("/v1/providers/{provider}/versions", h.ProviderVersions)

	r.Route("/v1/orgs/{org}", func(r chi.Router) {
		throttled := ratelimit.Middleware(limiter, cfg.RateLimit, cfg.RateWindow, h.metrics)
		r.With(throttled).Post("/templates", h.CreateTemplate)
		r.Post("/templates/{identity}/diff", h.DiffTemplate)
		r.With(throttled).Post("/templates/{identity}/runs", h.CreateRun)
	})

	r.Post("/v1/admin/seed-keys/rotate", h.RotateSeedKey)

	return r
}

// Health handles GET /sigil/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}
