// Package report turns a research job into a neutral document and renders it
// as Markdown, PDF or styled terminal text.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/dossier/internal/model"
)

// BlockKind identifies how a block is rendered.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockBullets   BlockKind = "bullets"
	BlockRows      BlockKind = "rows"
	BlockNote      BlockKind = "note"
)

// Item is one bullet. Title and Source are optional.
type Item struct {
	Title  string
	Text   string
	Source string
}

// Row is one key/value line of a fact table.
type Row struct {
	Key   string
	Value string
}

// Block is one unit of document content.
type Block struct {
	Kind  BlockKind
	Level int
	Label string
	Text  string
	Items []Item
	Rows  []Row
}

// Document is a rendered-format-neutral dossier.
type Document struct {
	Title  string
	Meta   []Row
	Blocks []Block
}

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldRow
	fieldItems
	fieldStrings
)

// field says how one payload key is presented. For item lists, title and
// text name the keys of each element; extras are appended in parentheses.
type field struct {
	key    string
	label  string
	kind   fieldKind
	title  string
	text   string
	extras []string
}

var layouts = map[model.SectionID][]field{
	model.SectionFoundation: {
		{key: "legal_name", label: "Legal name", kind: fieldRow},
		{key: "industry", label: "Industry", kind: fieldRow},
		{key: "headquarters", label: "Headquarters", kind: fieldRow},
		{key: "founded", label: "Founded", kind: fieldRow},
		{key: "ownership", label: "Ownership", kind: fieldRow},
		{key: "employees", label: "Employees", kind: fieldRow},
		{key: "overview", kind: fieldText},
		{key: "key_facts", label: "Key facts", kind: fieldItems, text: "fact"},
	},
	model.SectionExecSummary: {
		{key: "headline", kind: fieldText},
		{key: "bullet_points", kind: fieldItems, text: "text"},
		{key: "investment_thesis", label: "Investment thesis", kind: fieldText},
	},
	model.SectionFinancialSnapshot: {
		{key: "currency", label: "Currency", kind: fieldRow},
		{key: "fiscal_year", label: "Fiscal year", kind: fieldRow},
		{key: "metrics", label: "Metrics", kind: fieldItems, title: "name", text: "value", extras: []string{"period", "direction"}},
		{key: "commentary", kind: fieldText},
	},
	model.SectionCompanyOverview: {
		{key: "description", kind: fieldText},
		{key: "business_model", label: "Business model", kind: fieldText},
		{key: "products", label: "Products", kind: fieldItems, title: "name", text: "description"},
		{key: "key_facts", label: "Key facts", kind: fieldItems, text: "fact"},
	},
	model.SectionSegmentAnalysis: {
		{key: "segments", kind: fieldItems, title: "name", text: "description", extras: []string{"revenue_share", "direction"}},
	},
	model.SectionTrends: {
		{key: "trends", kind: fieldItems, title: "title", text: "description", extras: []string{"direction", "horizon"}},
	},
	model.SectionPeerBenchmarking: {
		{key: "peers", kind: fieldItems, title: "name", text: "comparison", extras: []string{"metrics"}},
		{key: "positioning", label: "Positioning", kind: fieldText},
	},
	model.SectionSKUOpportunities: {
		{key: "opportunities", kind: fieldItems, title: "title", text: "rationale", extras: []string{"priority"}},
	},
	model.SectionRecentNews: {
		{key: "items", kind: fieldItems, title: "headline", text: "summary", extras: []string{"date", "direction"}},
	},
	model.SectionConversationStarters: {
		{key: "starters", kind: fieldItems, text: "question", extras: []string{"context", "priority"}},
	},
	model.SectionAppendix: {
		{key: "methodology", label: "Methodology", kind: fieldText},
		{key: "limitations", label: "Limitations", kind: fieldStrings},
		{key: "glossary", label: "Glossary", kind: fieldItems, title: "term", text: "definition"},
	},
}

// Build lays out the job as a document. Sections appear in report order;
// sections without a completed payload get a short note instead. The job's
// source catalog closes the document.
func Build(job *model.ResearchJob) Document {
	doc := Document{
		Title: "Company Dossier: " + job.CompanyName,
		Meta:  meta(job),
	}

	for _, id := range model.Sections[1:] {
		doc.Blocks = append(doc.Blocks, Block{Kind: BlockHeading, Level: 2, Text: id.Title()})
		doc.Blocks = append(doc.Blocks, sectionBlocks(job.Section(id))...)
	}

	// Foundation is research groundwork; it closes the report as the profile.
	doc.Blocks = append(doc.Blocks, Block{Kind: BlockHeading, Level: 2, Text: "Company Profile"})
	doc.Blocks = append(doc.Blocks, sectionBlocks(job.Section(model.SectionFoundation))...)

	doc.Blocks = append(doc.Blocks, Block{Kind: BlockHeading, Level: 2, Text: "Sources"})
	if len(job.Sources) == 0 {
		doc.Blocks = append(doc.Blocks, Block{Kind: BlockNote, Text: "No sources catalogued."})
	} else {
		items := make([]Item, len(job.Sources))
		for i, s := range job.Sources {
			items[i] = Item{Title: s.ID, Text: sourceText(s)}
		}
		doc.Blocks = append(doc.Blocks, Block{Kind: BlockBullets, Items: items})
	}
	return doc
}

func meta(job *model.ResearchJob) []Row {
	rows := []Row{{Key: "Company", Value: job.CompanyName}, {Key: "Geography", Value: job.Geography}}
	if job.Industry != "" {
		rows = append(rows, Row{Key: "Industry", Value: job.Industry})
	}
	if len(job.FocusAreas) > 0 {
		rows = append(rows, Row{Key: "Focus areas", Value: strings.Join(job.FocusAreas, ", ")})
	}
	if job.ReportType != model.ReportTypeNone {
		rows = append(rows, Row{Key: "Report type", Value: string(job.ReportType)})
	}
	rows = append(rows, Row{Key: "Status", Value: string(job.Status)})
	if c := job.OverallConfidence; c != nil {
		rows = append(rows, Row{Key: "Overall confidence", Value: fmt.Sprintf("%s (%.2f, %d sections)", c.Level, c.Score, c.Sections)})
	}
	generated := job.UpdatedAt
	if job.CompletedAt != nil {
		generated = *job.CompletedAt
	}
	if !generated.IsZero() {
		rows = append(rows, Row{Key: "Generated", Value: generated.UTC().Format("2006-01-02 15:04 MST")})
	}
	return rows
}

func sectionBlocks(run *model.SectionRun) []Block {
	if run == nil || run.Status != model.SectionStatusCompleted || len(run.Content) == 0 {
		status := model.SectionStatusPending
		if run != nil {
			status = run.Status
		}
		return []Block{{Kind: BlockNote, Text: fmt.Sprintf("Not available (%s).", status)}}
	}

	payload, err := decodePayload(run.Content)
	if err != nil {
		return []Block{{Kind: BlockNote, Text: "Not available (unreadable content)."}}
	}

	var (
		blocks []Block
		rows   []Row
	)
	for _, f := range layouts[run.Section] {
		v, ok := payload[f.key]
		if !ok || v == nil {
			continue
		}
		switch f.kind {
		case fieldRow:
			if s := scalar(v); s != "" {
				rows = append(rows, Row{Key: f.label, Value: s})
			}
		case fieldText:
			if s := scalar(v); s != "" {
				blocks = append(blocks, Block{Kind: BlockParagraph, Label: f.label, Text: s})
			}
		case fieldStrings:
			list, _ := v.([]any)
			items := make([]Item, 0, len(list))
			for _, e := range list {
				if s := scalar(e); s != "" {
					items = append(items, Item{Text: s})
				}
			}
			if len(items) > 0 {
				blocks = append(blocks, Block{Kind: BlockBullets, Label: f.label, Items: items})
			}
		case fieldItems:
			if items := f.items(v); len(items) > 0 {
				blocks = append(blocks, Block{Kind: BlockBullets, Label: f.label, Items: items})
			}
		}
	}
	if len(rows) > 0 {
		blocks = append([]Block{{Kind: BlockRows, Rows: rows}}, blocks...)
	}

	if c := run.Confidence; c != nil {
		text := "Confidence: " + string(c.Level)
		if c.Reason != "" {
			text += ". " + c.Reason
		}
		blocks = append(blocks, Block{Kind: BlockNote, Text: text})
	}
	return blocks
}

func (f field) items(v any) []Item {
	list, _ := v.([]any)
	out := make([]Item, 0, len(list))
	for _, e := range list {
		obj, ok := e.(map[string]any)
		if !ok {
			if s := scalar(e); s != "" {
				out = append(out, Item{Text: s})
			}
			continue
		}
		it := Item{Text: scalar(obj[f.text])}
		if f.title != "" {
			it.Title = scalar(obj[f.title])
		}
		var extras []string
		for _, k := range f.extras {
			if s := extra(k, obj[k]); s != "" {
				extras = append(extras, s)
			}
		}
		if len(extras) > 0 {
			it.Text = strings.TrimSpace(it.Text + " (" + strings.Join(extras, "; ") + ")")
		}
		if s, ok := obj["source"].(string); ok {
			it.Source = s
		}
		if it.Title != "" || it.Text != "" {
			out = append(out, it)
		}
	}
	return out
}

func extra(key string, v any) string {
	if v == nil {
		return ""
	}
	if key == "revenue_share" {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil && f <= 1 {
				return strconv.FormatFloat(math.Round(f*1000)/10, 'f', -1, 64) + "% of revenue"
			}
		}
	}
	s := scalar(v)
	if s == "" {
		return ""
	}
	return strings.ReplaceAll(key, "_", " ") + ": " + s
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// scalar flattens a JSON value to display text. Objects become sorted
// "key: value" pairs.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := scalar(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := scalar(t[k]); s != "" {
				parts = append(parts, k+" "+s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func sourceText(s model.SourceEntry) string {
	text := s.Citation
	if s.URL != "" {
		text += ", " + s.URL
	}
	if s.Date != "" {
		text += " (" + s.Date + ")"
	}
	return text
}
