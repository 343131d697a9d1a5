package providercache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/sigil/internal/config"
)

// HTTPFetcher fetches version metadata from OpenAI-compatible
// provider APIs (GET {base_url}/models). Update swaps the provider
// set on config reload.
type HTTPFetcher struct {
	mu      sync.RWMutex
	clients map[string]*providerClient
}

type providerClient struct {
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

// NewHTTPFetcher builds a fetcher from the providers config.
func NewHTTPFetcher(cfg *config.ProvidersConfig) *HTTPFetcher {
	f := &HTTPFetcher{}
	f.Update(cfg)
	return f
}

// Update replaces the provider set. In-flight fetches finish on the
// clients they started with.
func (f *HTTPFetcher) Update(cfg *config.ProvidersConfig) {
	clients := make(map[string]*providerClient, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		clients[name] = &providerClient{
			baseURL: pc.BaseURL,
			apiKey:  pc.APIKey,
			headers: pc.Headers,
			client: &http.Client{
				Timeout: timeout,
				Transport: &http.Transport{
					MaxIdleConns:        pc.MaxConcurrent,
					MaxIdleConnsPerHost: pc.MaxConcurrent,
					IdleConnTimeout:     90 * time.Second,
					ForceAttemptHTTP2:   true,
				},
			},
		}
	}

	f.mu.Lock()
	f.clients = clients
	f.mu.Unlock()
}

// FetchVersions calls the provider's models endpoint and maps the
// response to a Snapshot. 401/403 are wrapped as ErrAuthRejected so
// the cache never retries them.
func (f *HTTPFetcher) FetchVersions(ctx context.Context, providerID string) (Snapshot, error) {
	f.mu.RLock()
	pc, ok := f.clients[providerID]
	f.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown provider %q", providerID)
	}

	url := pc.baseURL + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+pc.apiKey)
	for k, v := range pc.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := pc.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch provider models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read models response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Snapshot{}, fmt.Errorf("%w: status %d: %s", ErrAuthRejected, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return Snapshot{}, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var mr modelsResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal models response: %w", err)
	}
	if len(mr.Data) == 0 {
		return Snapshot{}, fmt.Errorf("provider %q listed no models", providerID)
	}

	snap := Snapshot{KnownVersions: make([]Version, 0, len(mr.Data))}
	for _, m := range mr.Data {
		snap.KnownVersions = append(snap.KnownVersions, Version{
			Version:     m.ID,
			Fingerprint: m.Fingerprint,
		})
	}
	snap.CurrentVersion = pickCurrent(mr)
	return snap, nil
}

// pickCurrent prefers the provider's explicit current marker, then
// the newest model by created timestamp, then the first listed.
func pickCurrent(mr modelsResponse) string {
	if mr.Current != "" {
		return mr.Current
	}
	best := mr.Data[0]
	for _, m := range mr.Data[1:] {
		if m.Created > best.Created {
			best = m
		}
	}
	return best.ID
}

type modelsResponse struct {
	Object  string `json:"object"`
	Current string `json:"current,omitempty"`
	Data    []struct {
		ID          string `json:"id"`
		Created     int64  `json:"created"`
		Fingerprint string `json:"fingerprint,omitempty"`
	} `json:"data"`
}
