package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveScoreInputV3(t *testing.T) {
	raw := json.RawMessage(`{
	  "title": "Operation Example",
	  "document_metadata": {"publication_date": "2021-09-30"},
	  "sources": [
	    {"title": "A"},
	    {"source_id": "KEEP", "title": "B", "publication_year": "2019"},
	    {"title": "C"}
	  ],
	  "stage1_markdown_parse": {"pages": [
	    {"page_index": 0, "citations": [
	      {"text": "x", "resolved_source_id": "SRC0001"},
	      {"text": "y", "resolved_source_id": "  "},
	      {"text": "z"}
	    ]},
	    {"page_index": 1}
	  ]},
	  "stage2_claim_extraction": {"attribution_claims": [
	    {"claim_text": "Group attributed", "allegation_gravity": "high"},
	    {"claim_id": "CX", "claim_text": "  "}
	  ]}
	}`)

	out, err := DeriveScoreInputV3(raw)
	require.NoError(t, err)
	assert.Equal(t, "Operation Example", out.DocID)

	require.Len(t, out.SourceRegistry, 3)
	assert.Equal(t, "SRC0001", out.SourceRegistry[0]["source_id"])
	assert.Equal(t, "2021", out.SourceRegistry[0]["publication_year"])
	assert.Equal(t, "KEEP", out.SourceRegistry[1]["source_id"])
	assert.Equal(t, "2019", out.SourceRegistry[1]["publication_year"])
	assert.Equal(t, "SRC0003", out.SourceRegistry[2]["source_id"])

	require.Len(t, out.MarkdownParse.Pages, 2)
	cites := out.MarkdownParse.Pages[0]["citations"].([]any)
	require.Len(t, cites, 1)
	assert.Equal(t, "x", cites[0].(map[string]any)["text"])
	assert.Empty(t, out.MarkdownParse.Pages[1]["citations"])

	claims := out.ClaimExtraction.AttributionClaims
	require.Len(t, claims, 2)
	assert.Equal(t, "C001", claims[0]["claim_id"])
	assert.Equal(t, "medium", claims[0]["allegation_gravity"])
	assert.Equal(t, "Group attributed", claims[0]["claim_text"])
	assert.Equal(t, "CX", claims[1]["claim_id"])
	assert.Equal(t, ClaimTextUnavailable, claims[1]["claim_text"])
}

func TestDeriveScoreInputV3SourceIDsAreDeterministic(t *testing.T) {
	with := json.RawMessage(`{"sources":[{"source_id":"SRC0001","title":"a"},{"source_id":"SRC0002","title":"b"}]}`)
	without := json.RawMessage(`{"sources":[{"title":"a"},{"title":"b"}]}`)

	a, err := DeriveScoreInputV3(with)
	require.NoError(t, err)
	b, err := DeriveScoreInputV3(without)
	require.NoError(t, err)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestDeriveScoreInputV3EmptyExtraction(t *testing.T) {
	out, err := DeriveScoreInputV3(json.RawMessage(`{}`))
	require.NoError(t, err)
	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc_id":"","source_registry":[],"stage1_markdown_parse":{"pages":[]},"stage2_claim_extraction":{"attribution_claims":[]}}`, string(b))

	_, err = DeriveScoreInputV3(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
