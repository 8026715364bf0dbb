package report

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var unsafeFilename = regexp.MustCompile(`[^a-z0-9]+`)

// Filename returns "<slug>-dossier.<ext>" for a company. Accents are folded
// to ASCII and anything else outside [a-z0-9] becomes a dash.
func Filename(company, ext string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), company)
	if err != nil {
		folded = company
	}
	slug := strings.Trim(unsafeFilename.ReplaceAllString(strings.ToLower(folded), "-"), "-")
	if slug == "" {
		slug = "dossier"
	}
	return slug + "-dossier." + ext
}
