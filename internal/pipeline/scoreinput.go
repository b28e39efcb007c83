package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaimTextUnavailable replaces empty claim text in the derived scoring input.
const ClaimTextUnavailable = "Claim text unavailable in extraction."

// DefaultAllegationGravity is stamped on every derived claim.
const DefaultAllegationGravity = "medium"

// ScoreInputV3 is the normalized input of the secondary and tertiary scorers.
type ScoreInputV3 struct {
	DocID           string           `json:"doc_id"`
	SourceRegistry  []map[string]any `json:"source_registry"`
	MarkdownParse   pagesSection     `json:"stage1_markdown_parse"`
	ClaimExtraction claimsSection    `json:"stage2_claim_extraction"`
}

type pagesSection struct {
	Pages []map[string]any `json:"pages"`
}

type claimsSection struct {
	AttributionClaims []map[string]any `json:"attribution_claims"`
}

// DeriveScoreInputV3 builds the scoring input from a raw extraction. It performs
// no I/O and depends only on its argument.
func DeriveScoreInputV3(raw json.RawMessage) (*ScoreInputV3, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("score_input_v3: extraction is not a JSON object: %w", err)
	}
	meta := objectAt(doc, "document_metadata")
	if meta == nil {
		meta = objectAt(doc, "metadata")
	}

	out := &ScoreInputV3{
		DocID:          firstText(doc, "title", "doc_id"),
		SourceRegistry: []map[string]any{},
	}
	if out.DocID == "" {
		out.DocID = firstText(meta, "title", "doc_id")
	}
	pubDate := firstText(meta, "publication_date", "published", "date")
	if pubDate == "" {
		pubDate = firstText(doc, "publication_date")
	}

	sources := listAt(doc, "source_registry")
	if sources == nil {
		sources = listAt(doc, "sources")
	}
	for i, src := range objects(sources) {
		s := cloneObject(src)
		if firstText(s, "source_id") == "" {
			s["source_id"] = fmt.Sprintf("SRC%04d", i+1)
		}
		if firstText(s, "publication_year", "year") == "" && len(pubDate) >= 4 {
			s["publication_year"] = pubDate[:4]
		}
		out.SourceRegistry = append(out.SourceRegistry, s)
	}

	out.MarkdownParse.Pages = []map[string]any{}
	for _, page := range objects(listAt(objectAt(doc, "stage1_markdown_parse"), "pages")) {
		p := cloneObject(page)
		cites := []any{}
		for _, c := range objects(listAt(page, "citations")) {
			if firstText(c, "resolved_source_id") != "" {
				cites = append(cites, c)
			}
		}
		p["citations"] = cites
		out.MarkdownParse.Pages = append(out.MarkdownParse.Pages, p)
	}

	out.ClaimExtraction.AttributionClaims = []map[string]any{}
	claims := objectAt(doc, "stage2_claim_extraction")
	for i, claim := range objects(listAt(claims, "attribution_claims")) {
		c := cloneObject(claim)
		if firstText(c, "claim_id") == "" {
			c["claim_id"] = fmt.Sprintf("C%03d", i+1)
		}
		text := firstText(c, "claim_text", "text", "statement")
		if text == "" {
			text = ClaimTextUnavailable
		}
		c["claim_text"] = text
		c["allegation_gravity"] = DefaultAllegationGravity
		out.ClaimExtraction.AttributionClaims = append(out.ClaimExtraction.AttributionClaims, c)
	}
	return out, nil
}

func objectAt(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}

func listAt(obj map[string]any, key string) []any {
	l, _ := obj[key].([]any)
	return l
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// firstText returns the first key holding a non-blank string or a number.
func firstText(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprint(v)
		}
	}
	return ""
}
