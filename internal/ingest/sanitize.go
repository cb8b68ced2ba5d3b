package ingest

import (
	"regexp"
	"strings"
)

const (
	maxStringBytes = 6_000
	redacted       = "<redacted>"
)

var (
	bearerRegex = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}`)
	cardRegex   = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
)

// sanitizeBag returns a redacted deep copy of a payload map.
func sanitizeBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	sanitized := make(map[string]any, len(bag))
	for key, value := range bag {
		sanitized[key] = sanitizeValue(value, key)
	}
	return sanitized
}

func sanitizeValue(value any, key string) any {
	switch typed := value.(type) {
	case map[string]any:
		return sanitizeBag(typed)
	case []any:
		sanitized := make([]any, 0, len(typed))
		for _, child := range typed {
			sanitized = append(sanitized, sanitizeValue(child, key))
		}
		return sanitized
	case string:
		return sanitizeString(typed, key)
	default:
		return value
	}
}

func sanitizeString(value, key string) string {
	if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
		return redacted
	}

	masked := bearerRegex.ReplaceAllString(value, "Bearer <token>")
	masked = cardRegex.ReplaceAllString(masked, "<card-number>")
	return truncateUTF8(masked, maxStringBytes)
}

func isSensitiveKey(key string) bool {
	if key == "" {
		return false
	}
	for _, fragment := range []string{
		"password",
		"passwd",
		"secret",
		"token",
		"authorization",
		"cookie",
		"api_key",
		"apikey",
		"api-key",
		"credit_card",
		"card_number",
		"cvv",
	} {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
