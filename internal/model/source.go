package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

var sourceIDPattern = regexp.MustCompile(`^S(\d+)$`)

// SourceEntry is one citation in a job's source catalog.
type SourceEntry struct {
	ID       string `json:"id"`
	Citation string `json:"citation"`
	URL      string `json:"url,omitempty"`
	Type     string `json:"type,omitempty"`
	Date     string `json:"date,omitempty"`
}

// IsSourceID reports whether s is a well-formed citation id ("S<n>").
func IsSourceID(s string) bool {
	return sourceIDPattern.MatchString(s)
}

// SourceNumber returns n for "S<n>", or 0 when s is malformed.
func SourceNumber(s string) int {
	m := sourceIDPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// SourceID formats n as a citation id.
func SourceID(n int) string {
	return fmt.Sprintf("S%d", n)
}

// SortSourceIDs orders ids by their numeric part.
func SortSourceIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return SourceNumber(ids[i]) < SourceNumber(ids[j])
	})
}

// SourceCatalog is the per-job registry of citation ids. Ids are assigned
// monotonically from S1 and never reused for a different citation.
type SourceCatalog struct {
	entries []SourceEntry
	byID    map[string]int
	byKey   map[string]string
	max     int
}

// NewSourceCatalog builds a catalog from already-persisted entries.
func NewSourceCatalog(existing []SourceEntry) *SourceCatalog {
	c := &SourceCatalog{
		byID:  make(map[string]int),
		byKey: make(map[string]string),
	}
	for _, e := range existing {
		c.add(e)
	}
	return c
}

func (c *SourceCatalog) add(e SourceEntry) {
	c.byID[e.ID] = len(c.entries)
	c.entries = append(c.entries, e)
	if k := sourceKey(e); k != "" {
		if _, ok := c.byKey[k]; !ok {
			c.byKey[k] = e.ID
		}
	}
	if n := SourceNumber(e.ID); n > c.max {
		c.max = n
	}
}

// sourceKey identifies "the same citation" across sections.
func sourceKey(e SourceEntry) string {
	citation := strings.ToLower(strings.Join(strings.Fields(e.Citation), " "))
	url := normalizeURL(e.URL)
	if citation == "" && url == "" {
		return ""
	}
	return citation + "|" + url
}

func normalizeURL(u string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(u), "/"))
}

// similarCitation reports whether b plausibly re-states a: the same URL, or
// citations sharing most of their words.
func similarCitation(a, b SourceEntry) bool {
	if ua, ub := normalizeURL(a.URL), normalizeURL(b.URL); ua != "" && ub != "" {
		return ua == ub
	}
	wa, wb := citationWords(a.Citation), citationWords(b.Citation)
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	return float64(shared)/float64(union) >= 0.6
}

func citationWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

// Len returns the number of entries.
func (c *SourceCatalog) Len() int { return len(c.entries) }

// Entries returns a copy of the catalog ordered by numeric id.
func (c *SourceCatalog) Entries() []SourceEntry {
	out := make([]SourceEntry, len(c.entries))
	copy(out, c.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return SourceNumber(out[i].ID) < SourceNumber(out[j].ID)
	})
	return out
}

// Get looks up an entry by id.
func (c *SourceCatalog) Get(id string) (SourceEntry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return SourceEntry{}, false
	}
	return c.entries[i], true
}

// Next returns the id the next new citation would receive.
func (c *SourceCatalog) Next() string {
	return SourceID(c.max + 1)
}

// Merge folds proposed entries into the catalog. A proposed entry whose
// citation is already catalogued maps onto the existing id. An entry that
// re-lists a catalogued id with a similar citation keeps that id. Every other
// entry is appended under a fresh id. Existing ids are never renumbered.
//
// added holds the entries appended by this call. remap maps each proposed id
// to the id it ended up with, for entries where those differ.
func (c *SourceCatalog) Merge(proposed []SourceEntry) (added []SourceEntry, remap map[string]string) {
	remap = make(map[string]string)
	for _, p := range proposed {
		if existing, ok := c.byKey[sourceKey(p)]; ok {
			if p.ID != "" && p.ID != existing {
				remap[p.ID] = existing
			}
			continue
		}
		if e, ok := c.Get(p.ID); ok && similarCitation(e, p) {
			continue
		}

		assigned := p
		assigned.ID = c.Next()
		c.add(assigned)
		added = append(added, assigned)
		if assigned.ID != p.ID && p.ID != "" {
			remap[p.ID] = assigned.ID
		}
	}
	return added, remap
}
