package crawler

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	quantityRange  = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(?:[-–—]|to)\s*\d+(?:\.\d+)?`)
	quantityNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParseQuantity converts free-form quantity text into a number. A leading
// range yields its lower bound; otherwise the first number in the text is
// used. Text without digits yields nil.
func ParseQuantity(raw string) *float64 {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return nil
	}
	if m := quantityRange.FindStringSubmatch(raw); m != nil {
		return parseFloat(m[1])
	}
	if m := quantityNumber.FindString(raw); m != "" {
		return parseFloat(m)
	}
	return nil
}

// ParseQuantityJSON accepts a JSON number, a JSON string, or null.
func ParseQuantityJSON(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseQuantity(s)
	}
	return nil
}

func parseFloat(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
