// Package canonical turns arbitrary nested request configuration
// into a byte-stable form suitable for content addressing.
//
// The package is pure: no I/O, no state, no clock. Two inputs that
// differ only in key order, numeric formatting, line endings, or
// edge whitespace canonicalize to byte-identical documents, and
// Canonicalize is idempotent.
//
// Load-bearing conventions:
//   - every list carries an explicit kind (Sequence or Set); the
//     kind is declared at the document boundary via ParseOptions and
//     never inferred from content
//   - numbers are plain decimal strings, at most six fractional
//     digits, normalized by pure string arithmetic so the bytes are
//     platform-independent
//   - absent and empty are different values; {} and [] serialize as
//     themselves and null is legal
//
// All other internal packages that need identity bytes import this
// one; canonical imports nothing internal.
package canonical
