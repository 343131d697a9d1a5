package canonical

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeLineEndings rewrites CRLF and lone CR to LF.
func normalizeLineEndings(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// NormalizeHumanText normalizes length-limited human-facing text
// before hashing or derivation: line endings become LF, trailing
// spaces and tabs are stripped per line, trailing newlines are
// dropped, and the result is NFC normalized.
//
// General configuration strings do not go through this; they stay
// byte-exact apart from Canonicalize's edge trimming. NFC here is
// deliberate and local, because visually identical human text must
// not hash differently by composed-vs-decomposed accident.
func NormalizeHumanText(s string) string {
	s = normalizeLineEndings(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = strings.TrimRight(s, "\n")
	return norm.NFC.String(s)
}
