package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/dossier/internal/model"
)

// NotProvided stands in for any input a prompt references but the job does
// not have, such as an optional upstream section that failed.
const NotProvided = "NOT PROVIDED"

// Inputs is the data every prompt template renders against. Builders treat
// it as read-only.
type Inputs struct {
	Company    string
	Geography  string
	Industry   string
	FocusAreas []string
	ReportType model.ReportType
	Foundation json.RawMessage
	Upstream   map[model.SectionID]json.RawMessage
	Sources    []model.SourceEntry
}

// Section returns the payload of an upstream section as indented JSON, or
// NotProvided.
func (in Inputs) Section(id string) string {
	raw := in.payload(model.SectionID(id))
	if len(bytes.TrimSpace(raw)) == 0 {
		return NotProvided
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Status reports whether an upstream section is available to the prompt.
func (in Inputs) Status(id string) string {
	if len(bytes.TrimSpace(in.payload(model.SectionID(id)))) == 0 {
		return NotProvided
	}
	return "available"
}

func (in Inputs) payload(id model.SectionID) json.RawMessage {
	if id == model.SectionFoundation {
		return in.Foundation
	}
	return in.Upstream[id]
}

// SourceList renders the source catalog one entry per line.
func (in Inputs) SourceList() string {
	if len(in.Sources) == 0 {
		return NotProvided
	}
	var b strings.Builder
	for i, s := range in.Sources {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", s.ID, s.Citation)
		if s.URL != "" {
			fmt.Fprintf(&b, " <%s>", s.URL)
		}
		if s.Date != "" {
			fmt.Fprintf(&b, " (%s)", s.Date)
		}
	}
	return b.String()
}

// NextSourceID is the id the next new citation should take.
func (in Inputs) NextSourceID() string {
	highest := 0
	for _, s := range in.Sources {
		if n := model.SourceNumber(s.ID); n > highest {
			highest = n
		}
	}
	return model.SourceID(highest + 1)
}
