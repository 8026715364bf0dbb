package schema

import (
	"embed"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
)

//go:embed examples/*.json
var exampleFS embed.FS

// Example returns a payload that satisfies the section's schema. Prompts
// show it to the model as the expected response shape.
func Example(section model.SectionID) (json.RawMessage, error) {
	raw, err := exampleFS.ReadFile("examples/" + string(section) + ".json")
	if err != nil {
		return nil, eris.Wrapf(ErrUnknownSection, "%q", section)
	}
	return json.RawMessage(raw), nil
}
