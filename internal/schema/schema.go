// Package schema validates section payloads returned by the model against
// per-section JSON Schemas.
//
// Every schema shares the definitions in sections/common.json: the
// confidence block, the enum vocabularies (direction, priority) and the
// single-citation rule for fields named "source".
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/dossier/internal/model"
)

//go:embed sections/*.json
var sectionFS embed.FS

const commonSchemaURL = "https://schemas.dossier.dev/common.json"

// ErrUnknownSection is returned when no schema is registered for a section.
var ErrUnknownSection = eris.New("schema: unknown section")

// FieldError is a single violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e FieldError) String() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// Result is the outcome of validating one payload.
type Result struct {
	Valid      bool                `json:"valid"`
	Data       json.RawMessage     `json:"data,omitempty"`
	Confidence *model.Confidence   `json:"confidence,omitempty"`
	Sources    []model.SourceEntry `json:"sources,omitempty"`
	Errors     []FieldError        `json:"errors,omitempty"`
}

// Summary joins the field errors into one line.
func (r *Result) Summary() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// Validator holds the compiled schema of every section.
type Validator struct {
	schemas map[model.SectionID]*gojsonschema.Schema
}

// NewValidator compiles the embedded schema of every known section.
func NewValidator() (*Validator, error) {
	common, err := sectionFS.ReadFile("sections/common.json")
	if err != nil {
		return nil, eris.Wrap(err, "schema: read common definitions")
	}

	v := &Validator{schemas: make(map[model.SectionID]*gojsonschema.Schema, len(model.Sections))}
	for _, id := range model.Sections {
		raw, err := sectionFS.ReadFile("sections/" + string(id) + ".json")
		if err != nil {
			return nil, eris.Wrapf(err, "schema: read %s", id)
		}

		sl := gojsonschema.NewSchemaLoader()
		if err := sl.AddSchema(commonSchemaURL, gojsonschema.NewBytesLoader(common)); err != nil {
			return nil, eris.Wrap(err, "schema: load common definitions")
		}
		compiled, err := sl.Compile(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, eris.Wrapf(err, "schema: compile %s", id)
		}
		v.schemas[id] = compiled
	}
	return v, nil
}

var defaultValidator = sync.OnceValues(NewValidator)

// Default returns the process-wide validator, compiling it on first use.
func Default() (*Validator, error) {
	return defaultValidator()
}

// Validate checks raw against the default validator.
func Validate(section model.SectionID, raw []byte) (*Result, error) {
	v, err := Default()
	if err != nil {
		return nil, err
	}
	return v.Validate(section, raw)
}

// Validate checks raw model output against the section's schema. Fenced or
// prose-wrapped JSON is unwrapped first. Output that is not JSON at all yields
// an invalid result with a single (root) error. The returned error is reserved
// for configuration problems such as an unknown section.
func (v *Validator) Validate(section model.SectionID, raw []byte) (*Result, error) {
	s, ok := v.schemas[section]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSection, "%q", section)
	}

	cleaned := CleanJSON(string(raw))
	if !json.Valid([]byte(cleaned)) {
		return malformed("response is not valid JSON"), nil
	}

	res, err := s.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return malformed(err.Error()), nil
	}

	if !res.Valid() {
		out := &Result{Errors: make([]FieldError, 0, len(res.Errors()))}
		for _, desc := range res.Errors() {
			out.Errors = append(out.Errors, fieldError(desc))
		}
		return out, nil
	}

	var envelope struct {
		Confidence *model.Confidence   `json:"confidence"`
		Sources    []model.SourceEntry `json:"sources"`
	}
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return malformed(err.Error()), nil
	}

	return &Result{
		Valid:      true,
		Data:       json.RawMessage(cleaned),
		Confidence: envelope.Confidence,
		Sources:    envelope.Sources,
	}, nil
}

func malformed(msg string) *Result {
	return &Result{Errors: []FieldError{{Field: "(root)", Message: msg}}}
}

func fieldError(desc gojsonschema.ResultError) FieldError {
	field := desc.Field()
	if field == "" {
		field = "(root)"
	}
	fe := FieldError{Field: field, Message: desc.Description()}
	switch desc.Type() {
	case "required", "additional_property_not_allowed":
	default:
		fe.Value = desc.Value()
	}
	return fe
}

// CleanJSON strips markdown code fences and surrounding prose from a model
// response, leaving the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
