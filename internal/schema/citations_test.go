package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dossier/internal/model"
)

func TestCitationTokens(t *testing.T) {
	raw := []byte(`{
		"metrics": [
			{"name": "Revenue", "source": "S10"},
			{"name": "Margin", "source": "S2"},
			{"name": "Debt", "source": "S2"}
		],
		"sources": [{"id": "S6", "citation": "deck"}],
		"note": {"source": "not-a-citation"}
	}`)

	ids, err := CitationTokens(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"S2", "S6", "S10"}, ids)
}

func TestCitationTokens_Example(t *testing.T) {
	raw, err := Example(model.SectionFoundation)
	require.NoError(t, err)

	ids, err := CitationTokens(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2", "S3", "S4", "S5"}, ids)
}

func TestCitationTokens_Malformed(t *testing.T) {
	_, err := CitationTokens([]byte("{"))
	assert.Error(t, err)
}

func TestRewriteCitations(t *testing.T) {
	raw := []byte(`{"items":[{"source":"S1"},{"source":"S2"}],"sources":[{"id":"S1","citation":"a"},{"id":"S2","citation":"b"}],"count":3}`)

	// Swap S1 and S2: replacement must not chain.
	out, err := RewriteCitations(raw, map[string]string{"S1": "S2", "S2": "S1"})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"items":[{"source":"S2"},{"source":"S1"}],"sources":[{"id":"S2","citation":"a"},{"id":"S1","citation":"b"}],"count":3}`,
		string(out))
}

func TestRewriteCitations_EmptyRemap(t *testing.T) {
	raw := []byte(`{"source":"S1"}`)
	out, err := RewriteCitations(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRewriteCitations_PreservesNumbers(t *testing.T) {
	raw := []byte(`{"value":12345678901234567890,"source":"S3"}`)
	out, err := RewriteCitations(raw, map[string]string{"S3": "S9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":12345678901234567890,"source":"S9"}`, string(out))
}

func TestUnresolvedCitations(t *testing.T) {
	raw := []byte(`{
		"trends": [
			{"title": "a", "source": "S2"},
			{"title": "b", "source": "S99"}
		],
		"metrics": {"revenue": {"source": "S40"}},
		"sources": [{"id": "S2", "citation": "deck"}]
	}`)
	known := func(id string) bool { return id == "S1" || id == "S2" }

	errs, err := UnresolvedCitations(raw, known)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "metrics.revenue.source", errs[0].Field)
	assert.Equal(t, "S40", errs[0].Value)
	assert.Equal(t, "trends.1.source", errs[1].Field)
	assert.Equal(t, "S99", errs[1].Value)
}

func TestUnresolvedCitations_AllKnown(t *testing.T) {
	raw, err := Example(model.SectionFoundation)
	require.NoError(t, err)

	errs, err := UnresolvedCitations(raw, model.IsSourceID)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
