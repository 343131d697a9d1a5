package keyring

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/af-corp/sigil/internal/canonical"
)

// localeDomain prefixes locale-context derivation so its MACs can
// never be confused with integrity tags computed under the same key.
const localeDomain = "sigil/locale/v1"

// ErrTagMismatch is returned by Verify when the recomputed MAC does
// not match the stored tag. Callers treat it as corruption or
// tampering, never as something to repair.
var ErrTagMismatch = errors.New("keyring: integrity tag mismatch")

// Tag computes an integrity tag "keyID:hex" over payload using the
// named key. The key ID travels inside the tag so verification still
// works after the active key moves on.
func (r *Ring) Tag(keyID string, payload []byte) (string, error) {
	secret, err := r.secret(keyID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return keyID + ":" + hex.EncodeToString(mac.Sum(nil)), nil
}

// TagActive computes an integrity tag under the active key.
func (r *Ring) TagActive(payload []byte) (string, error) {
	return r.Tag(r.active, payload)
}

// Verify recomputes the MAC for payload under the key named inside
// tag and compares in constant time.
func (r *Ring) Verify(tag string, payload []byte) error {
	keyID, _, ok := strings.Cut(tag, ":")
	if !ok || keyID == "" {
		return fmt.Errorf("keyring: malformed integrity tag")
	}
	expected, err := r.Tag(keyID, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(tag)) {
		return ErrTagMismatch
	}
	return nil
}

// DeriveLocaleContext derives the deterministic locale-context value
// for a template under the named key:
//
//	HMAC-SHA256(secret, domain || 0x00 || templateID || 0x00 || NFC(locale))
//
// Derivation always uses the key ID recorded on the template, not the
// ring's active key, which is what makes seed rotation invariant:
// records minted under k1 keep deriving under k1 after k2 activates.
func (r *Ring) DeriveLocaleContext(keyID string, templateID string, locale string) (string, error) {
	secret, err := r.secret(keyID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(localeDomain))
	mac.Write([]byte{0x00})
	mac.Write([]byte(templateID))
	mac.Write([]byte{0x00})
	mac.Write([]byte(canonical.NormalizeHumanText(locale)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
