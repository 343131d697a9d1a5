package canonical

import "strconv"

// Value is a sealed interface over the document value types.
// Only Null, Bool, String, Number, List, and Map implement it.
type Value interface {
	value() // sealed
}

// Null represents an explicit null. Null is a legal value and is
// distinct from an absent key; absence must be resolved before a
// document reaches this package.
type Null struct{}

func (Null) value() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) value() {}

// String represents a string value. Strings are held byte-exact;
// whitespace trimming and line-ending normalization happen in
// Canonicalize, not at construction.
type String string

func (String) value() {}

// Number represents a numeric value as a normalized decimal string:
// at most six fractional digits, no trailing fractional zeros, no
// exponent, and no negative zero. Construct through NewNumber,
// NumberFromFloat, or NumberFromInt so the invariant holds.
type Number string

func (Number) value() {}

// ListKind tags how a list participates in canonicalization.
type ListKind int

const (
	// Sequence lists represent ordered semantic content (conversation
	// turns, tool-call transcripts). Order is preserved and never
	// inferred away. This is the default kind: sorting is the lossy
	// direction, so an unmarked list is never sorted.
	Sequence ListKind = iota

	// Set lists represent unordered scalar collections (stop strings,
	// fingerprint allow-lists). Members are sorted by their canonical
	// bytes and deduplicated.
	Set
)

func (k ListKind) String() string {
	if k == Set {
		return "set"
	}
	return "sequence"
}

// List represents a list value together with its declared kind.
// The kind is an explicit tag on the value, never guessed from
// content.
type List struct {
	Kind  ListKind
	Items []Value
}

func (List) value() {}

// Map represents an object value. Key order is irrelevant; Serialize
// always emits keys in byte-wise ascending order.
type Map map[string]Value

func (Map) value() {}

// NewSequence builds an order-preserving list.
func NewSequence(items ...Value) List {
	return List{Kind: Sequence, Items: items}
}

// NewSet builds a list that canonicalizes as an unordered set.
func NewSet(items ...Value) List {
	return List{Kind: Set, Items: items}
}

// NumberFromInt builds a Number from an integer.
func NumberFromInt(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}
