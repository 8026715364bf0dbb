package schema

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
)

const (
	citationKey = "source"
	catalogKey  = "sources"
)

// CitationTokens returns every citation id a payload references, either in a
// "source" field or as the id of a proposed catalog entry. The result is
// de-duplicated and ordered by numeric id.
func CitationTokens(raw []byte) ([]string, error) {
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(v any) {
		if s, ok := v.(string); ok && model.IsSourceID(s) && !seen[s] {
			seen[s] = true
			ids = append(ids, s)
		}
	}
	visitObjects(doc, func(obj map[string]any) {
		add(obj[citationKey])
		if entries, ok := obj[catalogKey].([]any); ok {
			for _, e := range entries {
				if m, ok := e.(map[string]any); ok {
					add(m["id"])
				}
			}
		}
	})
	model.SortSourceIDs(ids)
	return ids, nil
}

// RewriteCitations replaces citation ids according to remap. Replacement is
// simultaneous: an id produced by the mapping is never mapped again.
func RewriteCitations(raw []byte, remap map[string]string) ([]byte, error) {
	if len(remap) == 0 {
		return raw, nil
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	swap := func(obj map[string]any, key string) {
		if s, ok := obj[key].(string); ok {
			if to, ok := remap[s]; ok {
				obj[key] = to
			}
		}
	}
	visitObjects(doc, func(obj map[string]any) {
		swap(obj, citationKey)
		if entries, ok := obj[catalogKey].([]any); ok {
			for _, e := range entries {
				if m, ok := e.(map[string]any); ok {
					swap(m, "id")
				}
			}
		}
	})

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "schema: encode rewritten payload")
	}
	return out, nil
}

// UnresolvedCitations returns an error for every "source" field whose id
// known rejects, ordered by field path.
func UnresolvedCitations(raw []byte, known func(id string) bool) ([]FieldError, error) {
	doc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	var out []FieldError
	visitPaths(doc, "", func(path string, obj map[string]any) {
		id, ok := obj[citationKey].(string)
		if !ok || known(id) {
			return
		}
		out = append(out, FieldError{
			Field:   joinPath(path, citationKey),
			Message: "cites a source missing from the catalog",
			Value:   id,
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "schema: decode payload")
	}
	return doc, nil
}

// visitObjects calls fn for every JSON object in v, parents before children.
func visitObjects(v any, fn func(map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		fn(t)
		for _, child := range t {
			visitObjects(child, fn)
		}
	case []any:
		for _, child := range t {
			visitObjects(child, fn)
		}
	}
}

// visitPaths is visitObjects with the dotted path of each object, in the
// same notation schema errors use.
func visitPaths(v any, path string, fn func(path string, obj map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		fn(path, t)
		for k, child := range t {
			visitPaths(child, joinPath(path, k), fn)
		}
	case []any:
		for i, child := range t {
			visitPaths(child, joinPath(path, strconv.Itoa(i)), fn)
		}
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
