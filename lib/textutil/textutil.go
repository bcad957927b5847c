package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRegex = regexp.MustCompile(`[\s\p{Zs}]+`)

// FoldAccents strips combining marks, so "VIRGÍLIO TÁVORA" becomes "VIRGILIO TAVORA".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

// NormalizeName lowercases, folds accents and collapses whitespace so that names typed by
// a user can be compared against names scraped from a page.
func NormalizeName(name string) string {
	name = strings.ToLower(FoldAccents(name))
	name = whitespaceRegex.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
