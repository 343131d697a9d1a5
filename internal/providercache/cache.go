// Package providercache caches provider version metadata with a
// bounded staleness window. Refreshes are single-flight across
// service instances: an expiring lease row in the store elects one
// fetcher, everyone else waits for its result or serves stale.
// Redis, when present, accelerates the hit path only; correctness
// never depends on it.
package providercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/telemetry"
)

const cacheKeyPrefix = "sigil:pc:"

// ErrColdStart is returned when a provider has no cached entry at all
// and no live result could be obtained: there is nothing stale to
// fall back to.
var ErrColdStart = errors.New("providercache: no entry available")

// ErrBreakerOpen marks fetches refused by the circuit breaker.
var ErrBreakerOpen = errors.New("providercache: circuit breaker open")

// ErrAuthRejected marks fetch failures that retrying cannot fix. The
// fetcher wraps provider 401/403 responses with it.
var ErrAuthRejected = errors.New("provider rejected credentials")

// Version pairs a provider version label with its fingerprint.
type Version struct {
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
}

// Snapshot is what a Fetcher learns from one live call.
type Snapshot struct {
	CurrentVersion string
	KnownVersions  []Version
}

// Entry is one provider's cached version metadata.
type Entry struct {
	ProviderID     string    `json:"provider_id"`
	CurrentVersion string    `json:"current_version"`
	KnownVersions  []Version `json:"known_versions"`
	FetchedAt      time.Time `json:"fetched_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	// RefreshToken identifies the lease that wrote the entry.
	RefreshToken uuid.UUID `json:"refresh_token"`
}

// Fresh reports whether the entry is inside its staleness window.
func (e Entry) Fresh(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// Source says where a Lookup's entry came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
)

// Lookup is the result of GetOrRefresh. Refreshing reports that the
// entry is stale and another refresh is still running.
type Lookup struct {
	Entry      Entry
	Source     Source
	Refreshing bool
}

// Store is the persistence the cache coordinates through. Entries are
// replaced wholesale; leases are the cross-instance mutual exclusion.
type Store interface {
	// GetEntry returns the cached entry for a provider, fresh or
	// stale, or domain.ErrNotFound if none was ever written.
	GetEntry(ctx context.Context, providerID string) (Entry, error)

	// ReplaceEntry upserts the provider's entry in one statement.
	ReplaceEntry(ctx context.Context, entry Entry) error

	// AcquireLease claims the provider's refresh lease: a fresh
	// insert or a takeover of an expired lease, atomically. acquired
	// reports whether this token now holds it.
	AcquireLease(ctx context.Context, providerID string, token uuid.UUID, ttl time.Duration) (acquired bool, err error)

	// ReleaseLease drops the lease if token still holds it.
	ReleaseLease(ctx context.Context, providerID string, token uuid.UUID) error

	// DeleteExpiredLeases removes dead leases and reports how many.
	DeleteExpiredLeases(ctx context.Context) (int64, error)
}

// Fetcher performs the live metadata call for a provider.
type Fetcher interface {
	FetchVersions(ctx context.Context, providerID string) (Snapshot, error)
}

// Config bounds the cache's timing behavior.
type Config struct {
	// TTL is the freshness window of a cached entry.
	TTL time.Duration

	// LeaseTTL is how long a refresh lease is held before another
	// instance may take it over.
	LeaseTTL time.Duration

	// WaitTimeout bounds how long a lookup waits on someone else's
	// refresh before settling for stale or failing cold.
	WaitTimeout time.Duration

	// PollInterval is the store re-read cadence while waiting.
	PollInterval time.Duration

	// WaitForRefresh selects the loser policy: true waits for the
	// winner's result, false returns stale immediately with
	// Refreshing set.
	WaitForRefresh bool

	// FetchRetries is how many extra attempts a transient fetch
	// failure gets inside one lease.
	FetchRetries int

	// RetryBackoff is the base delay between attempts, scaled
	// linearly per attempt.
	RetryBackoff time.Duration

	// BreakerThreshold and BreakerProbeInterval configure the
	// per-provider circuit breaker in front of live fetches.
	BreakerThreshold     int
	BreakerProbeInterval time.Duration
}

// Cache is the provider metadata cache.
type Cache struct {
	store   Store
	fetcher Fetcher
	rdb     *redis.Client
	metrics *telemetry.Metrics
	cfg     Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// New creates a Cache. rdb may be nil; the hit path then always
// reads the store.
func New(store Store, fetcher Fetcher, rdb *redis.Client, metrics *telemetry.Metrics, cfg Config) *Cache {
	return &Cache{
		store:    store,
		fetcher:  fetcher,
		rdb:      rdb,
		metrics:  metrics,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrRefresh returns the provider's metadata, refreshing through
// the single-flight lease when the entry is missing, stale, or force
// is set. A failed refresh falls back to the stale entry; the only
// fatal case is a cold start with no entry to serve.
func (c *Cache) GetOrRefresh(ctx context.Context, providerID string, force bool) (Lookup, error) {
	if !force {
		if entry, ok := c.fromRedis(ctx, providerID); ok {
			c.metrics.RecordCacheLookup(providerID, "fresh")
			return Lookup{Entry: entry, Source: SourceCache}, nil
		}
		entry, err := c.store.GetEntry(ctx, providerID)
		if err == nil && entry.Fresh(time.Now()) {
			c.cacheEntry(ctx, entry)
			c.metrics.RecordCacheLookup(providerID, "fresh")
			return Lookup{Entry: entry, Source: SourceCache}, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return Lookup{}, fmt.Errorf("read provider entry: %w", err)
		}
	}
	return c.refresh(ctx, providerID)
}

// Peek reads the cached entry without triggering a refresh, for
// diagnostic reads. Returns domain.ErrNotFound on a cold cache.
func (c *Cache) Peek(ctx context.Context, providerID string) (Entry, error) {
	if entry, ok := c.fromRedis(ctx, providerID); ok {
		return entry, nil
	}
	return c.store.GetEntry(ctx, providerID)
}

func (c *Cache) refresh(ctx context.Context, providerID string) (Lookup, error) {
	token := uuid.New()
	acquired, err := c.store.AcquireLease(ctx, providerID, token, c.cfg.LeaseTTL)
	if err != nil {
		return Lookup{}, fmt.Errorf("acquire refresh lease: %w", err)
	}
	if acquired {
		return c.runRefresh(ctx, providerID, token)
	}

	// another instance holds the lease
	if !c.cfg.WaitForRefresh {
		if stale, serr := c.store.GetEntry(ctx, providerID); serr == nil {
			c.metrics.RecordCacheLookup(providerID, "stale")
			return Lookup{Entry: stale, Source: SourceCache, Refreshing: true}, nil
		}
	}
	return c.awaitRefresh(ctx, providerID)
}

// awaitRefresh polls until the lease holder publishes a fresh entry.
// If the lease expires without a result the waiter takes it over; if
// the deadline passes the stale entry is the definite answer.
func (c *Cache) awaitRefresh(ctx context.Context, providerID string) (Lookup, error) {
	deadline := time.Now().Add(c.cfg.WaitTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Lookup{}, ctx.Err()
		case <-ticker.C:
			entry, err := c.store.GetEntry(ctx, providerID)
			if err == nil && entry.Fresh(time.Now()) {
				c.metrics.RecordCacheLookup(providerID, "fresh")
				return Lookup{Entry: entry, Source: SourceCache}, nil
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return Lookup{}, fmt.Errorf("poll provider entry: %w", err)
			}

			if !time.Now().Before(deadline) {
				if err == nil {
					c.metrics.RecordCacheLookup(providerID, "stale")
					return Lookup{Entry: entry, Source: SourceCache, Refreshing: true}, nil
				}
				c.metrics.RecordCacheLookup(providerID, "cold")
				return Lookup{}, fmt.Errorf("provider %q: %w: refresh wait timed out", providerID, ErrColdStart)
			}

			token := uuid.New()
			acquired, aerr := c.store.AcquireLease(ctx, providerID, token, c.cfg.LeaseTTL)
			if aerr != nil {
				return Lookup{}, fmt.Errorf("acquire refresh lease: %w", aerr)
			}
			if acquired {
				return c.runRefresh(ctx, providerID, token)
			}
		}
	}
}

// runRefresh is the lease holder's path: fetch, replace the entry
// wholesale, release the lease. The release runs even when the
// caller's context is already canceled.
func (c *Cache) runRefresh(ctx context.Context, providerID string, token uuid.UUID) (Lookup, error) {
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), providerID, token); err != nil {
			slog.Warn("release refresh lease", "provider", providerID, "error", err)
		}
	}()

	snap, err := c.fetchWithRetry(ctx, providerID)
	if err != nil {
		slog.Warn("provider refresh failed", "provider", providerID, "error", err)
		stale, serr := c.store.GetEntry(ctx, providerID)
		if serr == nil {
			c.metrics.RecordCacheLookup(providerID, "stale")
			return Lookup{Entry: stale, Source: SourceCache}, nil
		}
		c.metrics.RecordCacheLookup(providerID, "cold")
		return Lookup{}, fmt.Errorf("provider %q: %w: %v", providerID, ErrColdStart, err)
	}

	now := time.Now()
	entry := Entry{
		ProviderID:     providerID,
		CurrentVersion: snap.CurrentVersion,
		KnownVersions:  snap.KnownVersions,
		FetchedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTL),
		RefreshToken:   token,
	}
	if err := c.store.ReplaceEntry(ctx, entry); err != nil {
		return Lookup{}, fmt.Errorf("store provider entry: %w", err)
	}
	c.cacheEntry(ctx, entry)
	c.metrics.RecordCacheLookup(providerID, "live")
	return Lookup{Entry: entry, Source: SourceLive}, nil
}

// fetchWithRetry runs the live fetch behind the provider's breaker.
// Transient failures are retried with linear backoff; auth rejections
// are terminal immediately.
func (c *Cache) fetchWithRetry(ctx context.Context, providerID string) (Snapshot, error) {
	br := c.breakerFor(providerID)
	if !br.Allow() {
		return Snapshot{}, fmt.Errorf("provider %q: %w", providerID, ErrBreakerOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		started := time.Now()
		snap, err := c.fetcher.FetchVersions(ctx, providerID)
		elapsed := float64(time.Since(started).Milliseconds())
		if err == nil {
			br.RecordSuccess()
			c.metrics.RecordRefresh(providerID, "ok", elapsed)
			return snap, nil
		}
		if errors.Is(err, ErrAuthRejected) {
			br.RecordFailure()
			c.metrics.RecordRefresh(providerID, "fatal", elapsed)
			return Snapshot{}, err
		}
		br.RecordFailure()
		c.metrics.RecordRefresh(providerID, "error", elapsed)
		lastErr = err
		if !br.Allow() {
			break
		}
	}
	return Snapshot{}, lastErr
}

// SweepLeases removes expired refresh leases. Lease takeover works
// without it; the sweep only bounds table growth.
func (c *Cache) SweepLeases(ctx context.Context) (int64, error) {
	return c.store.DeleteExpiredLeases(ctx)
}

func (c *Cache) breakerFor(providerID string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[providerID]
	if !ok {
		br = NewBreaker(c.cfg.BreakerThreshold, c.cfg.BreakerProbeInterval)
		c.breakers[providerID] = br
	}
	return br
}

func (c *Cache) fromRedis(ctx context.Context, providerID string) (Entry, bool) {
	if c.rdb == nil {
		return Entry{}, false
	}
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+providerID).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) cacheEntry(ctx context.Context, entry Entry) {
	if c.rdb == nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, cacheKeyPrefix+entry.ProviderID, data, ttl)
}
