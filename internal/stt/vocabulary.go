package stt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxVocabularyTerms caps the terms forwarded to a vendor.
	MaxVocabularyTerms = 100
	// MaxTermLength drops longer entries; they are sentences, not terms.
	MaxTermLength = 50
)

// ParseVocabulary splits a free-form hint on commas, semicolons and
// newlines, strips list bullets and keeps at most MaxVocabularyTerms terms
// in their original order.
func ParseVocabulary(hint string) []string {
	if strings.TrimSpace(hint) == "" {
		return nil
	}
	parts := strings.FieldsFunc(hint, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})

	terms := make([]string, 0, min(len(parts), MaxVocabularyTerms))
	for _, p := range parts {
		term := stripBullet(strings.TrimSpace(p))
		if term == "" || utf8.RuneCountInString(term) > MaxTermLength {
			continue
		}
		terms = append(terms, term)
		if len(terms) == MaxVocabularyTerms {
			break
		}
	}
	if len(terms) == 0 {
		return nil
	}
	return terms
}

// stripBullet removes a leading "-", "*", "•", "·", "–" or "1. " / "1) ".
// A numbered marker needs trailing whitespace so terms like "1.5x" survive.
func stripBullet(s string) string {
	for _, b := range []string{"-", "*", "•", "·", "–"} {
		if strings.HasPrefix(s, b) {
			return strings.TrimSpace(s[len(b):])
		}
	}
	i := 0
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	if i > 0 && i+1 < len(s) && (s[i] == '.' || s[i] == ')') && unicode.IsSpace(rune(s[i+1])) {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// VocabularyFor returns terms when a concrete language was requested.
// Vocabulary boosting is skipped under auto-detection.
func VocabularyFor(language string, terms []string) []string {
	if IsAutoLanguage(language) {
		return nil
	}
	return terms
}

// IsAutoLanguage reports whether language asks for detection.
func IsAutoLanguage(language string) bool {
	l := strings.ToLower(strings.TrimSpace(language))
	return l == "" || l == "auto"
}
