package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var currencyStripper = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₹", "", " ", "", " ", "")

// ParseAmount parses amounts such as "$1,234.56", "€1.234,56", "1 234",
// "(42.00)" and "-17". Parentheses mean negative.
func ParseAmount(s string) (float64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = raw[1 : len(raw)-1]
	}
	raw = currencyStripper.Replace(raw)
	for _, code := range []string{"USD", "EUR", "GBP", "usd", "eur", "gbp"} {
		raw = strings.TrimPrefix(strings.TrimSuffix(raw, code), code)
	}

	raw = normalizeSeparators(raw)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// normalizeSeparators turns grouped numbers into plain decimal notation.
// When both separators appear the last one is the decimal mark; a lone
// comma followed by one or two digits is a decimal comma.
func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if digits := len(s) - lastComma - 1; strings.Count(s, ",") == 1 && digits >= 1 && digits <= 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	}
	return s
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"2006/01/02",
	"02.01.2006",
	"20060102",
}

// ParseDate parses a timestamp in any supported layout as UTC.
// Slash dates are read month first.
func ParseDate(s string) (time.Time, error) {
	raw := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %q", s)
}

var nullTokens = map[string]bool{
	"": true, "nan": true, "null": true, "none": true, "n/a": true, "na": true, "-": true,
}

// cleanText trims s and maps null markers to "".
func cleanText(s string) string {
	t := strings.TrimSpace(s)
	if nullTokens[strings.ToLower(t)] {
		return ""
	}
	return t
}
