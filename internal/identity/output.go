package identity

import (
	"fmt"

	"github.com/af-corp/sigil/internal/canonical"
)

// OutputKind declares how an output payload is normalized before
// hashing. The kind is declared by the caller when the run is
// recorded, never sniffed from the payload.
type OutputKind string

const (
	// OutputText is plain text: line endings normalized, trailing
	// whitespace stripped, NFC normalized.
	OutputText OutputKind = "text"

	// OutputStructured is a JSON document: canonicalized with key
	// ordering only, list order preserved.
	OutputStructured OutputKind = "structured"
)

// ParseOutputKind validates an externally supplied kind.
func ParseOutputKind(s string) (OutputKind, error) {
	switch OutputKind(s) {
	case OutputText, OutputStructured:
		return OutputKind(s), nil
	default:
		return "", fmt.Errorf("unknown output kind %q", s)
	}
}

// HashOutput digests an output payload under the normalization rules
// of its declared kind. Kinds hash under distinct domains, so a text
// output can never collide with a structured one even when their
// normalized bytes agree.
func HashOutput(kind OutputKind, payload []byte) (ContentHash, error) {
	switch kind {
	case OutputText:
		normalized := canonical.NormalizeHumanText(string(payload))
		return hashWithDomain(DomainOutputText, []byte(normalized)), nil
	case OutputStructured:
		v, err := canonical.FromJSON(payload, canonical.ParseOptions{})
		if err != nil {
			return "", fmt.Errorf("structured output: %w", err)
		}
		c, err := canonical.Canonicalize(v)
		if err != nil {
			return "", fmt.Errorf("structured output: %w", err)
		}
		b, err := canonical.Serialize(c)
		if err != nil {
			return "", fmt.Errorf("structured output: %w", err)
		}
		return hashWithDomain(DomainOutputStructured, b), nil
	default:
		return "", fmt.Errorf("unknown output kind %q", kind)
	}
}
