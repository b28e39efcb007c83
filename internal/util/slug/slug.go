// Package slug derives stable file-name keys from document names.
package slug

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Make lower-cases name and collapses every run of non-alphanumerics into a single
// underscore. "APT 29 Report (v2)" becomes "apt_29_report_v2".
func Make(name string) string {
	return join(Tokens(name, 1), "_")
}

// Stem is Make applied to a file name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return Make(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Variants returns the underscore, dash and compact spellings of the stem slug,
// deduplicated, in that order.
func Variants(path string) []string {
	tokens := Tokens(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), 1)
	out := make([]string, 0, 3)
	seen := map[string]bool{}
	for _, sep := range []string{"_", "-", ""} {
		v := join(tokens, sep)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Tokens splits s on non-alphanumerics, lower-cases the pieces and keeps the
// distinct ones at least minLen runes long, in first-seen order.
func Tokens(s string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, f := range fields {
		if len([]rune(f)) < minLen || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Overlap counts the tokens of a that also appear in b.
func Overlap(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

func join(tokens []string, sep string) string {
	return strings.Join(tokens, sep)
}
