package canonical

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize applies the normalization rules to a value tree and
// returns a new tree. It is pure and idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
//
// Rules, applied recursively:
//   - strings: line endings normalized to LF, then leading and
//     trailing whitespace trimmed; interior bytes untouched
//   - numbers: re-normalized to the canonical decimal form
//   - Set lists: members sorted by their canonical bytes, duplicates
//     removed
//   - Sequence lists: order preserved
//   - maps: values canonicalized; key ordering is Serialize's job
//
// Empty maps and lists are values in their own right and survive
// canonicalization; null survives as null.
func Canonicalize(v Value) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil value; use Null for explicit null")
	case Null, Bool:
		return val, nil
	case String:
		return String(strings.TrimSpace(normalizeLineEndings(string(val)))), nil
	case Number:
		norm, err := normalizeDecimal(string(val))
		if err != nil {
			return nil, err
		}
		return Number(norm), nil
	case List:
		return canonicalizeList(val)
	case Map:
		out := make(Map, len(val))
		for k, item := range val {
			c, err := Canonicalize(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func canonicalizeList(l List) (Value, error) {
	items := make([]Value, len(l.Items))
	for i, item := range l.Items {
		c, err := Canonicalize(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		items[i] = c
	}

	if l.Kind == Sequence {
		return List{Kind: Sequence, Items: items}, nil
	}

	// Set members order by canonical bytes; byte equality after
	// canonicalization is the deduplication criterion.
	encoded := make([][]byte, len(items))
	for i, item := range items {
		b, err := Serialize(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		encoded[i] = b
	}
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return bytes.Compare(encoded[order[a]], encoded[order[b]]) < 0
	})

	out := List{Kind: Set, Items: make([]Value, 0, len(items))}
	var prev []byte
	for n, i := range order {
		if n > 0 && bytes.Equal(encoded[i], prev) {
			continue
		}
		out.Items = append(out.Items, items[i])
		prev = encoded[i]
	}
	return out, nil
}
