package providercache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/sigil/internal/config"
)

func fetcherFor(t *testing.T, baseURL string) *HTTPFetcher {
	t.Helper()
	return NewHTTPFetcher(&config.ProvidersConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {
				Type:    "openai",
				BaseURL: baseURL,
				APIKey:  "sk-test",
				Timeout: 5 * time.Second,
				Headers: map[string]string{"X-Org": "org-7"},
			},
		},
	})
}

func TestFetchVersions_MapsModelsResponse(t *testing.T) {
	var gotAuth, gotOrg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("X-Org")
		if r.URL.Path != "/models" {
			t.Errorf("path = %s, want /models", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"current": "gpt-4o-2024-11-20",
			"data": [
				{"id": "gpt-4o-2024-08-06", "created": 1722902400, "fingerprint": "fp_aug"},
				{"id": "gpt-4o-2024-11-20", "created": 1732060800, "fingerprint": "fp_nov"}
			]
		}`))
	}))
	defer srv.Close()

	f := fetcherFor(t, srv.URL)
	snap, err := f.FetchVersions(context.Background(), "openai")
	if err != nil {
		t.Fatalf("FetchVersions: %v", err)
	}

	if snap.CurrentVersion != "gpt-4o-2024-11-20" {
		t.Errorf("CurrentVersion = %s, want gpt-4o-2024-11-20", snap.CurrentVersion)
	}
	if len(snap.KnownVersions) != 2 {
		t.Fatalf("KnownVersions = %d entries, want 2", len(snap.KnownVersions))
	}
	if snap.KnownVersions[1].Fingerprint != "fp_nov" {
		t.Errorf("Fingerprint = %s, want fp_nov", snap.KnownVersions[1].Fingerprint)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", gotAuth)
	}
	if gotOrg != "org-7" {
		t.Errorf("X-Org = %q, want org-7", gotOrg)
	}
}

func TestFetchVersions_NoCurrentMarkerPicksNewest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"object": "list",
			"data": [
				{"id": "claude-3-5-sonnet", "created": 1718841600},
				{"id": "claude-sonnet-4", "created": 1747612800},
				{"id": "claude-3-haiku", "created": 1709596800}
			]
		}`))
	}))
	defer srv.Close()

	snap, err := fetcherFor(t, srv.URL).FetchVersions(context.Background(), "openai")
	if err != nil {
		t.Fatalf("FetchVersions: %v", err)
	}
	if snap.CurrentVersion != "claude-sonnet-4" {
		t.Errorf("CurrentVersion = %s, want claude-sonnet-4", snap.CurrentVersion)
	}
}

func TestFetchVersions_AuthRejectedIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "Incorrect API key provided"}}`))
	}))
	defer srv.Close()

	_, err := fetcherFor(t, srv.URL).FetchVersions(context.Background(), "openai")
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("err = %v, want ErrAuthRejected", err)
	}
}

func TestFetchVersions_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fetcherFor(t, srv.URL).FetchVersions(context.Background(), "openai")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Errorf("502 must not map to ErrAuthRejected: %v", err)
	}
}

func TestFetchVersions_EmptyModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object": "list", "data": []}`))
	}))
	defer srv.Close()

	_, err := fetcherFor(t, srv.URL).FetchVersions(context.Background(), "openai")
	if err == nil {
		t.Fatal("expected error for empty model list")
	}
}

func TestFetchVersions_UnknownProvider(t *testing.T) {
	f := NewHTTPFetcher(&config.ProvidersConfig{Providers: map[string]config.ProviderConfig{}})
	_, err := f.FetchVersions(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestUpdate_SwapsProviderSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object": "list", "data": [{"id": "m-1", "created": 1}]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(&config.ProvidersConfig{Providers: map[string]config.ProviderConfig{}})
	if _, err := f.FetchVersions(context.Background(), "openai"); err == nil {
		t.Fatal("expected unknown provider before Update")
	}

	f.Update(&config.ProvidersConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {BaseURL: srv.URL, APIKey: "sk-new"},
		},
	})

	snap, err := f.FetchVersions(context.Background(), "openai")
	if err != nil {
		t.Fatalf("FetchVersions after Update: %v", err)
	}
	if snap.CurrentVersion != "m-1" {
		t.Errorf("CurrentVersion = %s, want m-1", snap.CurrentVersion)
	}
}
