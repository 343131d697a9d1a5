// Package idempotency deduplicates create requests keyed by a
// caller-supplied idempotency key. All coordination goes through the
// transactional store: claiming a key is a single atomic statement,
// so under any interleaving exactly one of N concurrent callers
// proceeds and the rest replay, conflict, or wait. Redis, when
// present, only accelerates replay reads of completed snapshots.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/sigil/internal/domain"
	"github.com/af-corp/sigil/internal/identity"
	"github.com/af-corp/sigil/internal/telemetry"
)

const cacheKeyPrefix = "sigil:idem:"

// ErrStillInFlight is returned when the original request holding the
// key did not finish within the wait timeout. It is a definite retry
// signal, not a hang.
var ErrStillInFlight = errors.New("idempotency: original request still in flight")

// errRetryClaim signals internally that the blocking row vanished and
// the claim should be attempted again.
var errRetryClaim = errors.New("idempotency: retry claim")

// State of a record.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// Record is one row of the idempotency table.
type Record struct {
	Scope       uuid.UUID
	Key         string
	RequestHash identity.ContentHash
	State       State
	Snapshot    json.RawMessage
	ExpiresAt   time.Time
}

// Store is the transactional persistence the protocol coordinates
// through.
type Store interface {
	// Claim records an in-flight claim on (scope, key): a fresh
	// insert or a takeover of an expired row, in one atomic
	// statement. claimed reports whether this call now owns the key;
	// when false, current is the live row that blocked it.
	Claim(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash, ttl time.Duration) (current Record, claimed bool, err error)

	// Get returns the live record for (scope, key), or
	// domain.ErrNotFound if none exists or it expired.
	Get(ctx context.Context, scope uuid.UUID, key string) (Record, error)

	// Complete marks the claim completed and stores the snapshot.
	Complete(ctx context.Context, scope uuid.UUID, key string, snapshot []byte) error

	// Delete removes the record regardless of state.
	Delete(ctx context.Context, scope uuid.UUID, key string) error

	// DeleteExpired removes expired records and reports how many.
	DeleteExpired(ctx context.Context) (int64, error)
}

// Decision is the outcome class of a Begin call.
type Decision int

const (
	// Proceed means this caller owns the key and must finish with
	// Complete or Abandon.
	Proceed Decision = iota

	// Replay means the same request already completed; the stored
	// snapshot is authoritative.
	Replay

	// Conflict means the key is held by a different request body.
	Conflict
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Outcome of a Begin call. StoredHash is set for Conflict. Snapshot
// is set for Replay, and for a Conflict against a completed record so
// the caller can report what the key already produced.
type Outcome struct {
	Decision   Decision
	Snapshot   json.RawMessage
	StoredHash identity.ContentHash
}

// Config bounds the protocol's waiting behavior.
type Config struct {
	// TTL is how long a record holds its key. Expired records are
	// reclaimable in the same statement that claims fresh keys.
	TTL time.Duration

	// WaitTimeout bounds how long Begin waits on a key held by an
	// in-flight request before returning ErrStillInFlight.
	WaitTimeout time.Duration

	// PollInterval is the store re-read cadence while waiting.
	PollInterval time.Duration
}

// Manager runs the begin/complete protocol.
type Manager struct {
	store   Store
	rdb     *redis.Client
	metrics *telemetry.Metrics
	cfg     Config
}

// NewManager creates a Manager. rdb may be nil; replay acceleration
// is then off and every read goes to the store.
func NewManager(store Store, rdb *redis.Client, metrics *telemetry.Metrics, cfg Config) *Manager {
	return &Manager{store: store, rdb: rdb, metrics: metrics, cfg: cfg}
}

// Begin runs the idempotency protocol for (scope, key). Exactly one
// concurrent caller per key gets Proceed; callers presenting the
// same request hash get Replay once the winner completes, and a
// different hash gets Conflict. A caller blocked by an in-flight
// winner waits up to WaitTimeout, then receives ErrStillInFlight.
func (m *Manager) Begin(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash) (Outcome, error) {
	if key == "" {
		return Outcome{}, fmt.Errorf("idempotency key is empty")
	}

	if out, ok := m.replayFromCache(ctx, scope, key, requestHash); ok {
		m.metrics.RecordIdempotency("replay_cached")
		return out, nil
	}

	deadline := time.Now().Add(m.cfg.WaitTimeout)
	for {
		current, claimed, err := m.store.Claim(ctx, scope, key, requestHash, m.cfg.TTL)
		if err != nil {
			return Outcome{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			m.metrics.RecordIdempotency("proceed")
			return Outcome{Decision: Proceed}, nil
		}
		if current.RequestHash != requestHash {
			m.metrics.RecordIdempotency("conflict")
			out := Outcome{Decision: Conflict, StoredHash: current.RequestHash}
			if current.State == StateCompleted {
				out.Snapshot = current.Snapshot
			}
			return out, nil
		}
		if current.State == StateCompleted {
			m.cacheSnapshot(ctx, scope, key, current)
			m.metrics.RecordIdempotency("replay")
			return Outcome{Decision: Replay, Snapshot: current.Snapshot}, nil
		}

		out, err := m.awaitResult(ctx, scope, key, requestHash, deadline)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errRetryClaim) {
			return Outcome{}, err
		}
		// the holder abandoned its claim; contend for it again
		if !time.Now().Before(deadline) {
			m.metrics.RecordIdempotency("in_flight_timeout")
			return Outcome{}, ErrStillInFlight
		}
	}
}

// awaitResult polls the store until the in-flight holder completes,
// abandons, or the deadline passes.
func (m *Manager) awaitResult(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash, deadline time.Time) (Outcome, error) {
	if !time.Now().Before(deadline) {
		m.metrics.RecordIdempotency("in_flight_timeout")
		return Outcome{}, ErrStillInFlight
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				m.metrics.RecordIdempotency("in_flight_timeout")
				return Outcome{}, ErrStillInFlight
			}
			rec, err := m.store.Get(ctx, scope, key)
			if errors.Is(err, domain.ErrNotFound) {
				return Outcome{}, errRetryClaim
			}
			if err != nil {
				return Outcome{}, fmt.Errorf("poll idempotency key: %w", err)
			}
			if rec.RequestHash != requestHash {
				m.metrics.RecordIdempotency("conflict")
				out := Outcome{Decision: Conflict, StoredHash: rec.RequestHash}
				if rec.State == StateCompleted {
					out.Snapshot = rec.Snapshot
				}
				return out, nil
			}
			if rec.State == StateCompleted {
				m.cacheSnapshot(ctx, scope, key, rec)
				m.metrics.RecordIdempotency("replay")
				return Outcome{Decision: Replay, Snapshot: rec.Snapshot}, nil
			}
		}
	}
}

// Complete stores the result snapshot for a key this caller claimed.
// The cache is populated lazily on the first replay read, not here.
func (m *Manager) Complete(ctx context.Context, scope uuid.UUID, key string, snapshot []byte) error {
	if err := m.store.Complete(ctx, scope, key, snapshot); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Abandon releases a claimed key without a result, so a canceled
// create leaves nothing behind and a retry can claim immediately.
func (m *Manager) Abandon(ctx context.Context, scope uuid.UUID, key string) error {
	if err := m.store.Delete(ctx, scope, key); err != nil {
		return fmt.Errorf("abandon idempotency key: %w", err)
	}
	if m.rdb != nil {
		m.rdb.Del(ctx, cacheKey(scope, key))
	}
	return nil
}

// SweepExpired removes dead records. Expiry is enforced at claim
// time regardless; the sweep only bounds table growth.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx)
}

type cachedResult struct {
	RequestHash string          `json:"request_hash"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

func cacheKey(scope uuid.UUID, key string) string {
	return cacheKeyPrefix + scope.String() + ":" + key
}

func (m *Manager) replayFromCache(ctx context.Context, scope uuid.UUID, key string, requestHash identity.ContentHash) (Outcome, bool) {
	if m.rdb == nil {
		return Outcome{}, false
	}
	data, err := m.rdb.Get(ctx, cacheKey(scope, key)).Bytes()
	if err != nil {
		return Outcome{}, false
	}
	var cached cachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		return Outcome{}, false
	}
	// a hash mismatch may be a stale cache entry; the store decides
	if cached.RequestHash != string(requestHash) {
		return Outcome{}, false
	}
	return Outcome{Decision: Replay, Snapshot: cached.Snapshot}, true
}

func (m *Manager) cacheSnapshot(ctx context.Context, scope uuid.UUID, key string, rec Record) {
	if m.rdb == nil {
		return
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(cachedResult{
		RequestHash: string(rec.RequestHash),
		Snapshot:    rec.Snapshot,
	})
	if err != nil {
		return
	}
	m.rdb.Set(ctx, cacheKey(scope, key), payload, ttl)
}
