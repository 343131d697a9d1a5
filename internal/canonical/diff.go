package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// PatchOp is one RFC 6902 operation. Value carries canonical bytes
// and is only present for add and replace.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Diff computes the patch that rewrites a into b, for human-readable
// conflict reporting. Both operands are canonicalized first, so
// formatting-only differences produce an empty patch. Ops come out in
// a deterministic order; removals within a list are emitted highest
// index first so the patch applies sequentially.
func Diff(a, b Value) ([]PatchOp, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return nil, fmt.Errorf("left operand: %w", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return nil, fmt.Errorf("right operand: %w", err)
	}
	ops := []PatchOp{}
	if err := diffValue("", ca, cb, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func diffValue(path string, a, b Value, ops *[]PatchOp) error {
	am, aIsMap := a.(Map)
	bm, bIsMap := b.(Map)
	if aIsMap && bIsMap {
		return diffMap(path, am, bm, ops)
	}

	al, aIsList := a.(List)
	bl, bIsList := b.(List)
	if aIsList && bIsList && al.Kind == bl.Kind {
		return diffList(path, al, bl, ops)
	}

	same, err := equalBytes(a, b)
	if err != nil {
		return err
	}
	if same {
		return nil
	}
	return appendOp(ops, "replace", path, b)
}

func diffMap(path string, a, b Map, ops *[]PatchOp) error {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		p := path + "/" + escapePointer(k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*ops = append(*ops, PatchOp{Op: "remove", Path: p})
		case !inA && inB:
			if err := appendOp(ops, "add", p, bv); err != nil {
				return err
			}
		default:
			if err := diffValue(p, av, bv, ops); err != nil {
				return err
			}
		}
	}
	return nil
}

func diffList(path string, a, b List, ops *[]PatchOp) error {
	shared := min(len(a.Items), len(b.Items))
	for i := 0; i < shared; i++ {
		if err := diffValue(fmt.Sprintf("%s/%d", path, i), a.Items[i], b.Items[i], ops); err != nil {
			return err
		}
	}
	for i := len(a.Items) - 1; i >= shared; i-- {
		*ops = append(*ops, PatchOp{Op: "remove", Path: fmt.Sprintf("%s/%d", path, i)})
	}
	for i := shared; i < len(b.Items); i++ {
		if err := appendOp(ops, "add", fmt.Sprintf("%s/%d", path, i), b.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func appendOp(ops *[]PatchOp, op, path string, v Value) error {
	encoded, err := Serialize(v)
	if err != nil {
		return fmt.Errorf("path %q: %w", path, err)
	}
	*ops = append(*ops, PatchOp{Op: op, Path: path, Value: json.RawMessage(encoded)})
	return nil
}

func equalBytes(a, b Value) (bool, error) {
	ab, err := Serialize(a)
	if err != nil {
		return false, err
	}
	bb, err := Serialize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
