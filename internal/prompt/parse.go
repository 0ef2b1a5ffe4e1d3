package prompt

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseInt parses the longest integer prefix of s after leading whitespace,
// accepting an optional sign and a 0x prefix. "42abc" yields 42; text with
// no leading digits is not a number. Digits beyond 64 bits wrap, so the low
// 32 bits are always exact.
func ParseInt(s string) (int64, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)

	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	base := uint64(10)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}

	var v uint64
	digits := 0
	for _, c := range s {
		d, ok := digitValue(c)
		if !ok || d >= base {
			break
		}
		v = v*base + d
		digits++
	}
	if digits == 0 {
		return 0, false
	}

	if neg {
		return -int64(v), true
	}
	return int64(v), true
}

// ParseFloat parses the longest decimal literal prefix of s after leading
// whitespace. "3.5kg" yields 3.5 and "-Infinity" yields negative infinity.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)

	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	if strings.HasPrefix(s[i:], "Infinity") {
		if s[0] == '-' {
			return math.Inf(-1), true
		}
		return math.Inf(1), true
	}

	intDigits := scanDigits(s, i)
	i += intDigits
	fracDigits := 0
	if i < len(s) && s[i] == '.' {
		fracDigits = scanDigits(s, i+1)
		if intDigits > 0 || fracDigits > 0 {
			i += 1 + fracDigits
		}
	}
	if intDigits == 0 && fracDigits == 0 {
		return 0, false
	}

	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if n := scanDigits(s, j); n > 0 {
			i = j + n
		}
	}

	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		// Out-of-range literals still carry a saturated value.
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return v, true
		}
		return 0, false
	}
	return v, true
}

func scanDigits(s string, from int) int {
	n := 0
	for from+n < len(s) && s[from+n] >= '0' && s[from+n] <= '9' {
		n++
	}
	return n
}

func digitValue(c rune) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	default:
		return 0, false
	}
}
