package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseOptions controls how FromJSON interprets the raw document.
//
// Paths are dot-separated map keys. A segment may carry a trailing
// "[]" to descend into every element of the list at that key, and a
// bare "*" matches any single key. Examples:
//
//	"stop"             the list at top-level key "stop"
//	"tools[].tags"     the "tags" list inside each element of "tools"
//	"metadata.*"       every list directly under "metadata"
//
// A path whose keys are absent from the document is a no-op. A fully
// literal path that lands on a present value of the wrong shape is an
// error; wildcard and "[]" descents skip non-matching shapes instead.
type ParseOptions struct {
	// SetPaths name lists that canonicalize as unordered sets. Lists
	// not named here keep their order: sorting is the lossy
	// direction, so it never happens by default.
	SetPaths []string

	// SchemaPaths name embedded schema sub-documents. At each path
	// the subtree has its "required" lists converted to sets and its
	// local "#/" $refs inlined; external $refs are rejected.
	SchemaPaths []string
}

// FromJSON decodes a raw JSON document into a Value tree. Duplicate
// map keys are rejected here, at the boundary; numbers are normalized
// at construction, so a malformed or non-finite literal never enters
// the tree. All lists decode as Sequence until opts marks them
// otherwise.
func FromJSON(data []byte, opts ParseOptions) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after document")
	}

	for _, p := range opts.SetPaths {
		segs, err := compilePath(p)
		if err != nil {
			return nil, err
		}
		v, err = transformAt(v, segs, markSet)
		if err != nil {
			return nil, fmt.Errorf("set path %q: %w", p, err)
		}
	}
	for _, p := range opts.SchemaPaths {
		segs, err := compilePath(p)
		if err != nil {
			return nil, err
		}
		v, err = transformAt(v, segs, NormalizeSchema)
		if err != nil {
			return nil, fmt.Errorf("schema path %q: %w", p, err)
		}
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeMap(dec)
		case '[':
			return decodeList(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return NewNumber(string(t))
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeMap(dec *json.Decoder) (Value, error) {
	out := Map{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is not a string: %v", keyTok)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate object key %q", key)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = val
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, err
	}
	return out, nil
}

func decodeList(dec *json.Decoder) (Value, error) {
	out := List{Kind: Sequence, Items: []Value{}}
	for dec.More() {
		item, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", len(out.Items), err)
		}
		out.Items = append(out.Items, item)
	}
	if _, err := dec.Token(); err != nil { // closing bracket
		return nil, err
	}
	return out, nil
}

type pathSeg struct {
	key      string
	wildcard bool // key is "*"
	each     bool // descend into list elements after the key
}

func compilePath(p string) ([]pathSeg, error) {
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(p, ".")
	segs := make([]pathSeg, 0, len(parts))
	for _, part := range parts {
		each := strings.HasSuffix(part, "[]")
		key := strings.TrimSuffix(part, "[]")
		if key == "" {
			return nil, fmt.Errorf("path %q: empty segment", p)
		}
		segs = append(segs, pathSeg{key: key, wildcard: key == "*", each: each})
	}
	return segs, nil
}

// errShapeMismatch marks errors caused by a value not having the
// shape a path expects. Lenient descent skips these; every other
// error still propagates.
var errShapeMismatch = errors.New("shape mismatch")

func markSet(v Value) (Value, error) {
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("value is %T, not a list: %w", v, errShapeMismatch)
	}
	l.Kind = Set
	return l, nil
}

// transformAt rewrites the value at each location the path addresses.
// Lenient mode (entered under wildcard or "[]" descent) skips
// locations whose shape does not match instead of failing.
func transformAt(v Value, segs []pathSeg, fn func(Value) (Value, error)) (Value, error) {
	return transform(v, segs, fn, false)
}

func transform(v Value, segs []pathSeg, fn func(Value) (Value, error), lenient bool) (Value, error) {
	if len(segs) == 0 {
		out, err := fn(v)
		if err != nil && lenient && errors.Is(err, errShapeMismatch) {
			return v, nil
		}
		return out, err
	}

	seg := segs[0]
	m, ok := v.(Map)
	if !ok {
		if lenient {
			return v, nil
		}
		return nil, fmt.Errorf("segment %q: value is %T, not a map", seg.key, v)
	}

	apply := func(child Value, lenient bool) (Value, error) {
		if !seg.each {
			return transform(child, segs[1:], fn, lenient)
		}
		l, ok := child.(List)
		if !ok {
			if lenient {
				return child, nil
			}
			return nil, fmt.Errorf("segment %q[]: value is %T, not a list", seg.key, child)
		}
		items := make([]Value, len(l.Items))
		for i, item := range l.Items {
			out, err := transform(item, segs[1:], fn, true)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = out
		}
		return List{Kind: l.Kind, Items: items}, nil
	}

	if seg.wildcard {
		out := make(Map, len(m))
		for k, child := range m {
			res, err := apply(child, true)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = res
		}
		return out, nil
	}

	child, present := m[seg.key]
	if !present {
		return v, nil // absent path is a no-op
	}
	res, err := apply(child, lenient)
	if err != nil {
		return nil, err
	}
	out := make(Map, len(m))
	for k, item := range m {
		out[k] = item
	}
	out[seg.key] = res
	return out, nil
}
