package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
)

var sourceColumns = []string{"job_id", "source_id", "seq", "citation", "url", "type", "date", "section"}

// sectionColumns is the encoded form of the mutable part of a SectionRun.
type sectionColumns struct {
	confidence  []byte
	sourcesUsed []byte
	content     []byte
	tokenUsage  []byte
}

func encodeSection(run *model.SectionRun) (sectionColumns, error) {
	var c sectionColumns
	var err error
	if run.Confidence != nil {
		if c.confidence, err = json.Marshal(run.Confidence); err != nil {
			return c, eris.Wrap(err, "marshal confidence")
		}
	}
	if len(run.SourcesUsed) > 0 {
		if c.sourcesUsed, err = json.Marshal(run.SourcesUsed); err != nil {
			return c, eris.Wrap(err, "marshal sources used")
		}
	}
	if len(run.Content) > 0 {
		c.content = []byte(run.Content)
	}
	if c.tokenUsage, err = json.Marshal(run.TokenUsage); err != nil {
		return c, eris.Wrap(err, "marshal token usage")
	}
	return c, nil
}

func (c sectionColumns) decode(run *model.SectionRun) error {
	if len(c.confidence) > 0 {
		run.Confidence = &model.Confidence{}
		if err := json.Unmarshal(c.confidence, run.Confidence); err != nil {
			return eris.Wrap(err, "unmarshal confidence")
		}
	}
	if len(c.sourcesUsed) > 0 {
		if err := json.Unmarshal(c.sourcesUsed, &run.SourcesUsed); err != nil {
			return eris.Wrap(err, "unmarshal sources used")
		}
	}
	if len(c.content) > 0 {
		run.Content = json.RawMessage(c.content)
	}
	if len(c.tokenUsage) > 0 {
		if err := json.Unmarshal(c.tokenUsage, &run.TokenUsage); err != nil {
			return eris.Wrap(err, "unmarshal token usage")
		}
	}
	return nil
}

func encodeFocusAreas(areas []string) ([]byte, error) {
	if len(areas) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(areas)
	return b, eris.Wrap(err, "marshal focus areas")
}

func encodeConfidence(c *model.AggregateConfidence) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	return b, eris.Wrap(err, "marshal overall confidence")
}

func decodeConfidence(b []byte) (*model.AggregateConfidence, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var c model.AggregateConfidence
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, eris.Wrap(err, "unmarshal overall confidence")
	}
	return &c, nil
}

func decodeFocusAreas(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var areas []string
	if err := json.Unmarshal(b, &areas); err != nil {
		return nil, eris.Wrap(err, "unmarshal focus areas")
	}
	return areas, nil
}

// sourceRows builds COPY rows for catalog entries introduced by a section.
func sourceRows(run *model.SectionRun, sources []model.SourceEntry) [][]any {
	rows := make([][]any, 0, len(sources))
	for _, e := range sources {
		rows = append(rows, []any{
			run.JobID, e.ID, model.SourceNumber(e.ID), e.Citation, e.URL, e.Type, e.Date, string(run.Section),
		})
	}
	return rows
}
