package canonical

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// nameFields receive the aggressive name normalization.
var nameFields = map[string]bool{
	"name":              true,
	"organization_name": true,
	"service_name":      true,
}

// businessSuffixes are stripped from the end of names, in order.
var businessSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s+inc\.?$`),
	regexp.MustCompile(`(?i)\s+llc\.?$`),
	regexp.MustCompile(`(?i)\s+corp\.?$`),
	regexp.MustCompile(`(?i)\s+corporation$`),
	regexp.MustCompile(`(?i)\s+incorporated$`),
	regexp.MustCompile(`(?i)\s+ltd\.?$`),
	regexp.MustCompile(`(?i)\s+limited$`),
	regexp.MustCompile(`(?i)\s+co\.?$`),
	regexp.MustCompile(`(?i)\s+company$`),
}

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)

// NormalizeString applies NFKC, lowercases, trims and collapses whitespace.
func NormalizeString(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Lower(language.Und).String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName normalizes an organization, service or person name:
// NormalizeString, then common business suffixes and punctuation removed.
func NormalizeName(s string) string {
	s = NormalizeString(s)
	for _, re := range businessSuffixes {
		s = re.ReplaceAllString(s, "")
	}
	s = punctuation.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// Normalize returns the identity-normalized form of a record payload.
//
// Strings are normalized (name fields aggressively), and null values, empty
// strings, empty objects and empty arrays are dropped at every depth. Two
// payloads that differ only in casing, spacing, key order or empty fields
// normalize to the same value. The input is not modified.
func Normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if nv, ok := normalizeValue(k, v); ok {
			out[k] = nv
		}
	}
	return out
}

func normalizeValue(key string, v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		var s string
		if nameFields[key] {
			s = NormalizeName(val)
		} else {
			s = NormalizeString(val)
		}
		return s, s != ""
	case map[string]any:
		m := Normalize(val)
		return m, len(m) > 0
	case []any:
		list := make([]any, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case nil:
			case string:
				if s := NormalizeString(it); s != "" {
					list = append(list, s)
				}
			case map[string]any:
				if m := Normalize(it); len(m) > 0 {
					list = append(list, m)
				}
			default:
				list = append(list, it)
			}
		}
		return list, len(list) > 0
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return normalizeValue(key, items)
	default:
		return val, true
	}
}
