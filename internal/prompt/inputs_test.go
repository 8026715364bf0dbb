package prompt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dossier/internal/model"
)

func TestInputs_Section(t *testing.T) {
	in := Inputs{
		Foundation: json.RawMessage(`{"company_name":"Acme"}`),
		Upstream: map[model.SectionID]json.RawMessage{
			model.SectionTrends:     json.RawMessage(`{"trends":[]}`),
			model.SectionRecentNews: json.RawMessage("  "),
		},
	}

	assert.Equal(t, "{\n  \"company_name\": \"Acme\"\n}", in.Section("foundation"))
	assert.Equal(t, "{\n  \"trends\": []\n}", in.Section("trends"))
	assert.Equal(t, NotProvided, in.Section("recent_news"))
	assert.Equal(t, NotProvided, in.Section("segment_analysis"))
	assert.Equal(t, "available", in.Status("trends"))
	assert.Equal(t, NotProvided, in.Status("segment_analysis"))
}

func TestInputs_SourceList(t *testing.T) {
	assert.Equal(t, NotProvided, Inputs{}.SourceList())

	in := Inputs{Sources: []model.SourceEntry{
		{ID: "S1", Citation: "Annual report", URL: "https://acme.example/ar", Date: "2025-03-01"},
		{ID: "S2", Citation: "Trade press"},
	}}
	assert.Equal(t, "S1: Annual report <https://acme.example/ar> (2025-03-01)\nS2: Trade press", in.SourceList())
}

func TestInputs_NextSourceID(t *testing.T) {
	assert.Equal(t, "S1", Inputs{}.NextSourceID())

	in := Inputs{Sources: []model.SourceEntry{{ID: "S2"}, {ID: "S10"}, {ID: "S3"}}}
	assert.Equal(t, "S11", in.NextSourceID())
}
