// Package keyring manages the named secrets behind integrity tags
// and locale-context derivation. Secrets are loaded from the keys
// config file and never touch the store; only key IDs are persisted,
// so rotating the active key can never change what an existing
// record re-derives to.
package keyring

import (
	"fmt"
	"sort"
)

const minSecretLen = 16

// Key is one named secret from the keys config.
type Key struct {
	ID     string
	Secret []byte
}

// Ring is an immutable set of named keys with one active ID. Build a
// new Ring on config reload instead of mutating.
type Ring struct {
	keys   map[string][]byte
	active string
}

// New builds a ring. Every ID must be unique and non-empty, secrets
// must meet the minimum length, and the active ID must be present.
func New(activeID string, keys []Key) (*Ring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring: no keys configured")
	}
	byID := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("keyring: key with empty id")
		}
		if len(k.Secret) < minSecretLen {
			return nil, fmt.Errorf("keyring: key %q secret is shorter than %d bytes", k.ID, minSecretLen)
		}
		if _, dup := byID[k.ID]; dup {
			return nil, fmt.Errorf("keyring: duplicate key id %q", k.ID)
		}
		secret := make([]byte, len(k.Secret))
		copy(secret, k.Secret)
		byID[k.ID] = secret
	}
	if _, ok := byID[activeID]; !ok {
		return nil, fmt.Errorf("keyring: active key %q is not configured", activeID)
	}
	return &Ring{keys: byID, active: activeID}, nil
}

// ActiveID returns the key new records are tagged under.
func (r *Ring) ActiveID() string {
	return r.active
}

// Has reports whether the ring holds a key with the given ID.
func (r *Ring) Has(id string) bool {
	_, ok := r.keys[id]
	return ok
}

// IDs returns all configured key IDs in sorted order.
func (r *Ring) IDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithActive returns a ring sharing the same keys with a different
// active ID.
func (r *Ring) WithActive(id string) (*Ring, error) {
	if !r.Has(id) {
		return nil, fmt.Errorf("keyring: key %q is not configured", id)
	}
	return &Ring{keys: r.keys, active: id}, nil
}

func (r *Ring) secret(id string) ([]byte, error) {
	s, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("keyring: unknown key id %q", id)
	}
	return s, nil
}
