package canonical

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxFractionDigits is the precision numbers are rounded to. Digits
// beyond it are rounded half away from zero.
const maxFractionDigits = 6

// maxExponent bounds the decimal exponent accepted at the boundary.
// Anything larger is a malformed input, not a real configuration
// value, and would only serve to allocate enormous digit strings.
const maxExponent = 10000

// NewNumber parses a decimal string and returns it in normalized
// form. Accepted grammar is the JSON number grammar plus a tolerated
// leading '+' and leading zeros. Scientific notation is accepted on
// input and always expanded to plain decimal form.
func NewNumber(s string) (Number, error) {
	norm, err := normalizeDecimal(s)
	if err != nil {
		return "", err
	}
	return Number(norm), nil
}

// NumberFromFloat builds a Number from a float64. NaN and infinities
// are rejected; negative zero normalizes to zero.
func NumberFromFloat(f float64) (Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v is not representable", f)
	}
	// 'f' formatting never emits an exponent
	return NewNumber(strconv.FormatFloat(f, 'f', -1, 64))
}

// normalizeDecimal rewrites a decimal literal into the canonical
// numeric form: plain decimal notation, at most maxFractionDigits
// fractional digits (round half away from zero), no trailing
// fractional zeros, no leading integer zeros, and no negative zero.
// The arithmetic is pure string manipulation so the result is
// identical on every platform.
func normalizeDecimal(s string) (string, error) {
	neg, intPart, fracPart, exp, err := splitDecimal(s)
	if err != nil {
		return "", err
	}
	if exp > maxExponent || exp < -maxExponent {
		return "", fmt.Errorf("number %q: exponent out of range", s)
	}

	intPart, fracPart = shiftPoint(intPart, fracPart, exp)

	fracPart, carry := roundFraction(fracPart, maxFractionDigits)
	if carry {
		intPart = incrementDecimal(intPart)
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out, nil
}

// splitDecimal scans sign, integer digits, fractional digits, and the
// exponent out of a decimal literal.
func splitDecimal(s string) (neg bool, intPart, fracPart string, exp int, err error) {
	rest := s
	if rest == "" {
		return false, "", "", 0, fmt.Errorf("empty number")
	}

	switch rest[0] {
	case '-':
		neg = true
		rest = rest[1:]
	case '+':
		rest = rest[1:]
	}

	cut := strings.IndexAny(rest, "eE")
	mantissa := rest
	if cut >= 0 {
		expStr := rest[cut+1:]
		mantissa = rest[:cut]
		exp, err = strconv.Atoi(expStr)
		if err != nil {
			return false, "", "", 0, fmt.Errorf("number %q: bad exponent", s)
		}
	}

	intPart, fracPart, _ = strings.Cut(mantissa, ".")
	if intPart == "" && fracPart == "" {
		return false, "", "", 0, fmt.Errorf("number %q: no digits", s)
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return false, "", "", 0, fmt.Errorf("number %q: invalid digit", s)
	}
	return neg, intPart, fracPart, exp, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// shiftPoint applies a base-10 exponent by moving the decimal point
// across the digit string.
func shiftPoint(intPart, fracPart string, exp int) (string, string) {
	if exp == 0 {
		return intPart, fracPart
	}
	digits := intPart + fracPart
	point := len(intPart) + exp
	switch {
	case point <= 0:
		return "", strings.Repeat("0", -point) + digits
	case point >= len(digits):
		return digits + strings.Repeat("0", point-len(digits)), ""
	default:
		return digits[:point], digits[point:]
	}
}

// roundFraction truncates frac to n digits, rounding half away from
// zero. carry reports that the rounded fraction overflowed into the
// integer part (0.9999995 -> 1).
func roundFraction(frac string, n int) (rounded string, carry bool) {
	if len(frac) <= n {
		return frac, false
	}
	kept, dropped := frac[:n], frac[n]
	if dropped < '5' {
		return kept, false
	}
	incremented := incrementDecimal(kept)
	if len(incremented) > len(kept) {
		// all nines rolled over
		return incremented[1:], true
	}
	return incremented, false
}

// incrementDecimal adds one to a non-negative digit string, growing
// it on carry ("999" -> "1000", "" -> "1").
func incrementDecimal(digits string) string {
	b := []byte(digits)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return "1" + string(b)
}

// isCanonicalNumber reports whether s is already in the normalized
// decimal form produced by normalizeDecimal. Serialize uses it to
// reject Number values that bypassed the constructors.
func isCanonicalNumber(s string) bool {
	norm, err := normalizeDecimal(s)
	return err == nil && norm == s
}
