package content

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// nonWord matches everything that is not an ASCII word character,
	// whitespace, or hyphen.
	nonWord = regexp.MustCompile(`[^\w\s-]`)

	// hyphenRun matches runs of hyphens and whitespace.
	hyphenRun = regexp.MustCompile(`[-\s]+`)
)

// stripAccents decomposes text to NFKD form and drops combining marks,
// so "café" slugs to "cafe".
var stripAccents = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Slugify converts text to a lowercase, hyphenated, ASCII-only slug of
// at most maxLength bytes. Existing hyphens and underscores survive;
// everything else non-alphanumeric collapses to single hyphens. An
// empty result becomes "untitled".
func Slugify(text string, maxLength int) string {
	ascii, _, err := transform.String(stripAccents, text)
	if err != nil {
		ascii = text
	}

	var b strings.Builder
	for _, r := range ascii {
		if r < 128 {
			b.WriteRune(r)
		}
	}

	s := strings.ToLower(b.String())
	s = nonWord.ReplaceAllString(s, "")
	s = hyphenRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if s == "" {
		return "untitled"
	}
	if len(s) > maxLength {
		s = s[:maxLength]
	}
	return s
}
