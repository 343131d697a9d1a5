package canonical

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeSchema rewrites an embedded schema sub-document into a
// self-contained form whose identity cannot drift between hash time
// and read time:
//
//   - "required" lists of field names become sets
//   - local "#/" $refs are inlined with the referenced subtree;
//     reference cycles are an error
//   - external $refs are rejected outright, since resolving them is
//     I/O and could yield different bytes at different times
//
// A $ref must be the only key of its map; sibling keys make the
// merge semantics ambiguous and are rejected at the boundary.
func NormalizeSchema(v Value) (Value, error) {
	return normalizeSchemaValue(v, v, map[string]bool{})
}

func normalizeSchemaValue(v, root Value, resolving map[string]bool) (Value, error) {
	switch val := v.(type) {
	case Map:
		if ref, ok := refTarget(val); ok {
			return inlineRef(val, ref, root, resolving)
		}
		out := make(Map, len(val))
		for k, child := range val {
			norm, err := normalizeSchemaValue(child, root, resolving)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			if k == "required" {
				norm = requiredAsSet(norm)
			}
			out[k] = norm
		}
		return out, nil
	case List:
		items := make([]Value, len(val.Items))
		for i, item := range val.Items {
			norm, err := normalizeSchemaValue(item, root, resolving)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = norm
		}
		return List{Kind: val.Kind, Items: items}, nil
	default:
		return v, nil
	}
}

func refTarget(m Map) (string, bool) {
	ref, ok := m["$ref"]
	if !ok {
		return "", false
	}
	s, ok := ref.(String)
	return string(s), ok
}

func inlineRef(m Map, ref string, root Value, resolving map[string]bool) (Value, error) {
	if len(m) > 1 {
		return nil, fmt.Errorf("$ref %q has sibling keys", ref)
	}
	if ref != "#" && !strings.HasPrefix(ref, "#/") {
		return nil, fmt.Errorf("external $ref %q is not resolvable here", ref)
	}
	if resolving[ref] {
		return nil, fmt.Errorf("$ref cycle through %q", ref)
	}
	target, err := resolvePointer(root, strings.TrimPrefix(ref, "#"))
	if err != nil {
		return nil, fmt.Errorf("$ref %q: %w", ref, err)
	}
	resolving[ref] = true
	defer delete(resolving, ref)
	return normalizeSchemaValue(target, root, resolving)
}

// resolvePointer walks a JSON-pointer fragment ("/a/b/0") through
// maps and lists.
func resolvePointer(root Value, pointer string) (Value, error) {
	if pointer == "" {
		return root, nil
	}
	cur := root
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		switch node := cur.(type) {
		case Map:
			next, ok := node[token]
			if !ok {
				return nil, fmt.Errorf("no key %q", token)
			}
			cur = next
		case List:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(node.Items) {
				return nil, fmt.Errorf("no index %q", token)
			}
			cur = node.Items[i]
		default:
			return nil, fmt.Errorf("cannot descend into %T with %q", cur, token)
		}
	}
	return cur, nil
}

// requiredAsSet retags a "required" list of field names as a set.
// Anything other than a list of strings is left alone; judging
// schema validity is not this package's job.
func requiredAsSet(v Value) Value {
	l, ok := v.(List)
	if !ok {
		return v
	}
	for _, item := range l.Items {
		if _, ok := item.(String); !ok {
			return v
		}
	}
	l.Kind = Set
	return l
}
