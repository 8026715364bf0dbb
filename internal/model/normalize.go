package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeCompanyName applies NFKC folding, collapses internal whitespace and
// trims the result.
func NormalizeCompanyName(name string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(name)), " ")
}

// NormalizeGeography trims geography and substitutes DefaultGeography when empty.
func NormalizeGeography(geo string) string {
	geo = strings.Join(strings.Fields(norm.NFKC.String(geo)), " ")
	if geo == "" {
		return DefaultGeography
	}
	return geo
}

// NormalizeFocusAreas trims entries and drops empties and duplicates,
// preserving order.
func NormalizeFocusAreas(areas []string) []string {
	if len(areas) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(areas))
	out := make([]string, 0, len(areas))
	for _, a := range areas {
		a = strings.Join(strings.Fields(norm.NFKC.String(a)), " ")
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		out = append(out, a)
	}
	return out
}
