package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"true", Bool(true), "true"},
		{"false", Bool(false), "false"},
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"number", Number("42"), "42"},
		{"negative number", Number("-17.5"), "-17.5"},
		{"empty list", NewSequence(), "[]"},
		{"empty map", Map{}, "{}"},
		{"list", NewSequence(Number("1"), Number("2")), "[1,2]"},
		{"map", Map{"a": Number("1")}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Serialize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(b))
		})
	}
}

func TestSerializeSortsKeysBytewise(t *testing.T) {
	// Byte-wise ascending: uppercase before lowercase, short prefix first.
	m := Map{
		"b":  Number("1"),
		"B":  Number("2"),
		"a":  Number("3"),
		"ab": Number("4"),
		"Z":  Number("5"),
	}
	b, err := Serialize(m)
	require.NoError(t, err)
	assert.Equal(t, `{"B":2,"Z":5,"a":3,"ab":4,"b":1}`, string(b))
}

func TestSerializeNoHTMLEscape(t *testing.T) {
	b, err := Serialize(String(`<p>&"quo\te"</p>`))
	require.NoError(t, err)
	assert.Equal(t, `"<p>&\"quo\\te\"</p>"`, string(b))
	assert.NotContains(t, string(b), `<`)
	assert.NotContains(t, string(b), `&`)
}

func TestSerializeEscapesControlCharacters(t *testing.T) {
	b, err := Serialize(String("a\nb\tcd"))
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\tcd"`, string(b))
}

func TestSerializeLineSeparatorsRaw(t *testing.T) {
	// U+2028 and U+2029 are not control characters and pass through.
	b, err := Serialize(String("a b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a b\"", string(b))
}

func TestSerializeRejectsNonCanonicalNumber(t *testing.T) {
	for _, bad := range []string{"1e2", "2.0", "-0", "007", "bogus"} {
		_, err := Serialize(Number(bad))
		assert.Error(t, err, "number %q bypassing the constructors must be rejected", bad)
	}
}

func TestSerializeDeterministic(t *testing.T) {
	doc := Map{
		"model":  String("atlas-large"),
		"params": Map{"temperature": Number("0.7"), "max_tokens": Number("1024")},
		"stop":   NewSet(String("END"), String("STOP")),
	}
	first, err := Serialize(doc)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
