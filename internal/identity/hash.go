// Package identity mints content hashes for templates, runs, and
// outputs. All digests are SHA-256 with a domain-separation prefix,
// so bytes hashed as one kind of thing can never collide with bytes
// hashed as another.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/af-corp/sigil/internal/canonical"
)

// Domain prefixes for content-addressed identity. The version suffix
// leaves room for an algorithm migration without ambiguity: a v2
// digest can never be mistaken for a v1 digest of other bytes.
const (
	DomainTemplate         = "sigil/template/v1"
	DomainRun              = "sigil/run/v1"
	DomainRequest          = "sigil/request/v1"
	DomainEvidence         = "sigil/evidence/v1"
	DomainOutputText       = "sigil/output/text/v1"
	DomainOutputStructured = "sigil/output/structured/v1"
)

// ContentHash is a 64-character lowercase hex SHA-256 digest.
type ContentHash string

// Parse validates an externally supplied hash string.
func Parse(s string) (ContentHash, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("content hash must be %d hex characters, got %d", sha256.Size*2, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("content hash has invalid character %q at %d", c, i)
		}
	}
	return ContentHash(s), nil
}

// Short returns a log-friendly prefix of the hash.
func (h ContentHash) Short() string {
	if len(h) < 12 {
		return string(h)
	}
	return string(h[:12])
}

// hashWithDomain computes SHA256(domain || 0x00 || data). The null
// separator removes any ambiguity about where the domain ends.
func hashWithDomain(domain string, data []byte) ContentHash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return ContentHash(hex.EncodeToString(h.Sum(nil)))
}

// TemplateID computes the identity of a template from its canonical
// serialized bytes.
func TemplateID(canonicalBytes []byte) ContentHash {
	return hashWithDomain(DomainTemplate, canonicalBytes)
}

// RequestHash digests the canonical bytes of a create request body.
// The idempotency protocol compares it to tell a retry of the same
// request from a different request reusing the same key.
func RequestHash(canonicalBytes []byte) ContentHash {
	return hashWithDomain(DomainRequest, canonicalBytes)
}

// EvidenceHash digests raw upstream evidence exactly as received.
// Evidence is proof of what the provider returned, so it is hashed
// byte-exact with no normalization at all.
func EvidenceHash(raw []byte) ContentHash {
	return hashWithDomain(DomainEvidence, raw)
}

// RunIdentity carries everything that distinguishes one recorded
// execution from another.
type RunIdentity struct {
	Template    ContentHash
	Provider    string
	Version     string
	Fingerprint string
	Attempt     int64
	// Overrides holds per-run parameter deviations from the template,
	// already parsed. nil means no overrides and hashes like null.
	Overrides canonical.Value
}

// RunID computes the content-derived identity of a run by hashing
// the canonical serialization of its identity document.
func RunID(id RunIdentity) (ContentHash, error) {
	overrides := id.Overrides
	if overrides == nil {
		overrides = canonical.Null{}
	}
	doc := canonical.Map{
		"template":    canonical.String(id.Template),
		"provider":    canonical.String(id.Provider),
		"version":     canonical.String(id.Version),
		"fingerprint": canonical.String(id.Fingerprint),
		"attempt":     canonical.NumberFromInt(id.Attempt),
		"overrides":   overrides,
	}
	c, err := canonical.Canonicalize(doc)
	if err != nil {
		return "", fmt.Errorf("run identity document: %w", err)
	}
	b, err := canonical.Serialize(c)
	if err != nil {
		return "", fmt.Errorf("run identity document: %w", err)
	}
	return hashWithDomain(DomainRun, b), nil
}
