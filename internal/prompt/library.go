// Package prompt builds the text sent to the model for each section.
//
// Code defaults live in embedded text/template files, one per section. A
// report-type addendum may be appended to a default. A published database
// override for the same (section, report type) replaces both.
package prompt

import (
	"bytes"
	"embed"
	"strings"
	"sync"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/schema"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

//go:embed addenda.yaml
var addendaYAML []byte

// Separator joins a default prompt and its addendum.
const Separator = "\n\n---\n\n"

var (
	// ErrNoBuilder means a section has neither a code default nor a
	// published override.
	ErrNoBuilder = eris.New("prompt: no builder for section")

	// ErrInvalidTemplate is returned for override templates that fail to
	// parse or render.
	ErrInvalidTemplate = eris.New("prompt: invalid template")
)

// Builder renders the code-default prompt of one section.
type Builder func(Inputs) (string, error)

type addendumKey struct {
	section    model.SectionID
	reportType model.ReportType
}

// Library holds the code-default builders and the addendum table.
type Library struct {
	base     *template.Template
	builders map[model.SectionID]Builder
	addenda  map[addendumKey]string
}

var defaultLibrary = sync.OnceValues(newDefaultLibrary)

// Default returns the process-wide library parsed from the embedded files.
func Default() (*Library, error) {
	return defaultLibrary()
}

func newDefaultLibrary() (*Library, error) {
	base, err := template.New("prompts").
		Funcs(funcs()).
		Option("missingkey=zero").
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "prompt: parse templates")
	}

	addenda, err := parseAddenda(addendaYAML)
	if err != nil {
		return nil, err
	}

	lib := &Library{
		base:     base,
		builders: make(map[model.SectionID]Builder, len(model.Sections)),
		addenda:  addenda,
	}
	for _, id := range model.Sections {
		if t := base.Lookup(string(id) + ".tmpl"); t != nil {
			lib.builders[id] = templateBuilder(t)
		}
	}
	return lib, nil
}

// NewLibrary returns a library with the given builders and addenda. It shares
// the embedded partials so override templates can still use them.
func NewLibrary(builders map[model.SectionID]Builder, addenda map[model.SectionID]map[model.ReportType]string) (*Library, error) {
	def, err := Default()
	if err != nil {
		return nil, err
	}
	lib := &Library{
		base:     def.base,
		builders: make(map[model.SectionID]Builder, len(builders)),
		addenda:  make(map[addendumKey]string),
	}
	for id, b := range builders {
		lib.builders[id] = b
	}
	for id, byType := range addenda {
		for rt, text := range byType {
			lib.addenda[addendumKey{id, rt}] = text
		}
	}
	return lib, nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"upper": strings.ToUpper,
		"example": func(section string) (string, error) {
			raw, err := schema.Example(model.SectionID(section))
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(raw)), nil
		},
	}
}

func templateBuilder(t *template.Template) Builder {
	return func(in Inputs) (string, error) {
		var buf bytes.Buffer
		if err := t.Execute(&buf, in); err != nil {
			return "", eris.Wrapf(err, "prompt: render %s", t.Name())
		}
		return strings.TrimSpace(buf.String()), nil
	}
}

func parseAddenda(raw []byte) (map[addendumKey]string, error) {
	var doc map[string]map[string]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "prompt: parse addenda")
	}
	out := make(map[addendumKey]string)
	for section, byType := range doc {
		id := model.SectionID(section)
		if !id.Valid() {
			return nil, eris.Errorf("prompt: addendum for unknown section %q", section)
		}
		for tag, text := range byType {
			rt, err := model.ParseReportType(tag)
			if err != nil || rt == model.ReportTypeNone {
				return nil, eris.Errorf("prompt: addendum %s has unknown report type %q", section, tag)
			}
			out[addendumKey{id, rt}] = strings.TrimSpace(text)
		}
	}
	return out, nil
}

// Builder returns the code default for section.
func (l *Library) Builder(section model.SectionID) (Builder, bool) {
	b, ok := l.builders[section]
	return b, ok
}

// Addendum returns the addendum for (section, reportType), if any.
func (l *Library) Addendum(section model.SectionID, reportType model.ReportType) (string, bool) {
	text, ok := l.addenda[addendumKey{section, reportType}]
	return text, ok && text != ""
}

// Build renders the code-default prompt for section with its addendum
// appended when one exists.
func (l *Library) Build(section model.SectionID, reportType model.ReportType, in Inputs) (string, bool, error) {
	b, ok := l.builders[section]
	if !ok {
		return "", false, eris.Wrapf(ErrNoBuilder, "%s", section)
	}
	text, err := b(in)
	if err != nil {
		return "", false, err
	}
	if add, ok := l.Addendum(section, reportType); ok {
		return text + Separator + add, true, nil
	}
	return text, false, nil
}

// Validate checks that every section has a code-default builder.
func (l *Library) Validate() error {
	var missing []string
	for _, id := range model.Sections {
		if _, ok := l.builders[id]; !ok {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrNoBuilder, "%s", strings.Join(missing, ", "))
	}
	return nil
}

// Render executes an override template against in. Override templates may
// call the same functions and partials as the code defaults.
func (l *Library) Render(text string, in Inputs) (string, error) {
	t, err := l.parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", eris.Wrapf(ErrInvalidTemplate, "render: %v", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// CheckTemplate parses text and renders it against sample inputs so that a
// broken override is rejected before it is stored.
func (l *Library) CheckTemplate(text string) error {
	if strings.TrimSpace(text) == "" {
		return eris.Wrap(ErrInvalidTemplate, "empty template")
	}
	_, err := l.Render(text, SampleInputs())
	return err
}

func (l *Library) parse(text string) (*template.Template, error) {
	clone, err := l.base.Clone()
	if err != nil {
		return nil, eris.Wrap(err, "prompt: clone templates")
	}
	t, err := clone.New("override").Parse(text)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidTemplate, "parse: %v", err)
	}
	return t, nil
}

// SampleInputs is a filled-in set of inputs used for previews and template
// checks.
func SampleInputs() Inputs {
	foundation, _ := schema.Example(model.SectionFoundation)
	return Inputs{
		Company:    "Acme Corp",
		Geography:  "Germany",
		Industry:   "Industrial machinery",
		FocusAreas: []string{"pricing", "aftermarket"},
		Foundation: foundation,
		Sources: []model.SourceEntry{
			{ID: "S1", Citation: "Acme Corp annual report 2024", URL: "https://acme.example/ar2024.pdf", Type: "filing", Date: "2025-03-01"},
		},
	}
}
