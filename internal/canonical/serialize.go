package canonical

import (
	"bytes"
	"fmt"
	"slices"
)

const hexDigits = "0123456789abcdef"

// Serialize encodes a value tree as canonical JSON-shaped bytes: map
// keys in byte-wise ascending order, no insignificant whitespace, no
// HTML escaping. Empty maps serialize as {} and empty lists as [];
// neither is ever omitted.
//
// Serialize does not sort Set lists or normalize strings; run the
// tree through Canonicalize first when identity bytes are needed.
func Serialize(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("nil value; use Null for explicit null")
	case Null:
		buf.WriteString("null")
		return nil
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case Number:
		if !isCanonicalNumber(string(val)) {
			return fmt.Errorf("number %q is not in canonical form", string(val))
		}
		buf.WriteString(string(val))
		return nil
	case String:
		appendString(buf, string(val))
		return nil
	case List:
		buf.WriteByte('[')
		for i, item := range val.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case Map:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, k)
			buf.WriteByte(':')
			if err := appendValue(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// appendString writes a JSON string with the minimal escape set:
// quote, backslash, and control characters. HTML-significant runes
// and U+2028/U+2029 pass through raw, so the encoding of a string is
// a pure function of its bytes.
func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xf])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}
