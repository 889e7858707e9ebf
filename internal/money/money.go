// Package money holds integer-cent arithmetic shared by the collection domain.
package money

import (
	"fmt"
	"strings"
)

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10000

// ApplyBps returns floor(cents * bps / 10000) for non-negative inputs.
func ApplyBps(cents, bps int64) int64 {
	if cents <= 0 || bps <= 0 {
		return 0
	}
	return cents * bps / BpsDenominator
}

// Clamp limits v to the closed range [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FormatUSD renders cents as a dollar string such as "$1,234.05".
func FormatUSD(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, b.String(), cents%100)
}

// FormatPlain renders cents as "1234.05" without grouping or symbol.
func FormatPlain(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseCents converts a decimal amount such as "1,234.5" or "$20" into cents
// without going through floating point. At most two fractional digits are accepted.
func ParseCents(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(raw, "-") {
		neg = true
		raw = raw[1:]
	}

	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (len(frac) == 0 || len(frac) > 2) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		cents = cents*10 + int64(r-'0')
		if cents < 0 {
			return 0, fmt.Errorf("amount %q overflows", s)
		}
	}
	if neg {
		cents = -cents
	}
	return cents, nil
}
