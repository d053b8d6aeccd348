// Package normalizers provides field normalization for identity resolution
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("nemail", Email)
	Register("nhandle", Handle)
	Register("nname", Name)
	Register("digits_only", DigitsOnly)
	Register("remove_whitespace", RemoveWhitespace)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Email normalizes an email address: lowercase and trim. Unrendered
// template placeholders (e.g. "{{ lead.email }}") sometimes leak out of
// channel adapters; those are treated as absent.
func Email(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(s, "{{") {
		return ""
	}
	return s
}

// Handle normalizes a messaging handle: trim, strip a leading @,
// lowercase
func Handle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// Phone normalizes a phone number into E.164-ish form:
//   - separators (spaces, dashes, dots, parens) are stripped
//   - a leading 00 becomes +
//   - a bare 10-digit national number gets the default country code
//   - anything else is kept as stripped digits; guessing a country
//     code for short or unusual numbers creates false matches
func Phone(s, defaultCountryCode string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	plus := strings.HasPrefix(s, "+")
	digits := DigitsOnly(s)
	if digits == "" {
		return ""
	}

	if plus {
		return "+" + digits
	}
	if strings.HasPrefix(digits, "00") {
		return "+" + digits[2:]
	}
	if len(digits) == 10 && defaultCountryCode != "" {
		return defaultCountryCode + digits
	}
	return digits
}

// Name normalizes a person's name for matching:
//   - lowercase
//   - common suffixes removed (jr, sr, iii, phd, ...)
//   - punctuation removed, whitespace collapsed
func Name(s string) string {
	s = strings.ToLower(s)

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md", " dds"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Website normalizes a website URL for comparison: lowercase, scheme
// and trailing slash stripped, www. prefix dropped
func Website(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, "/")
}
