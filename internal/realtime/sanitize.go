package realtime

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Field names matching this pattern are masked to their last four
// characters before leaving the process.
var sensitiveKeyRegex = regexp.MustCompile(`(?i)(tax_?id|ssn|ein|social_security|account_number|routing_number)`)

// SanitizeData returns a copy of data with markup stripped from every
// string field and sensitive fields masked. The input is never mutated.
func SanitizeData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = sanitizeValue(key, value)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		clean := StripMarkup(v)
		if sensitiveKeyRegex.MatchString(key) {
			return MaskSensitive(clean)
		}
		return clean
	case map[string]interface{}:
		return SanitizeData(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(key, item)
		}
		return out
	default:
		return value
	}
}

// StripMarkup removes HTML/XML tags from a string, keeping only text
// content. Strings without markup pass through unchanged.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tokenizer.Text())
		}
	}
	return b.String()
}

// MaskSensitive masks all but the last four characters of a value.
func MaskSensitive(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
