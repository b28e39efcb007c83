package enrich

import "encoding/json"

// Enrichment cross-links extracted tables and figures to image files on disk and to
// declared artifacts. It is recomputed wholesale on every run and rescore.
type Enrichment struct {
	Markdown      MarkdownInfo   `json:"markdown"`
	Images        []ImageFile    `json:"images"`
	Tables        []Table        `json:"tables"`
	Figures       []Figure       `json:"figures"`
	ArtifactLinks []ArtifactLink `json:"artifact_links"`
	Stats         Stats          `json:"stats"`
}

type MarkdownInfo struct {
	Path      string   `json:"path"`
	ImageRefs []string `json:"image_refs"`
}

type ImageFile struct {
	Path     string `json:"path"`
	FileName string `json:"file_name"`
}

// Table is one table flattened out of stage1_markdown_parse.pages.
type Table struct {
	PageIndex      int             `json:"page_index"`
	ObjectID       string          `json:"object_id"`
	SectionHeading string          `json:"section_heading,omitempty"`
	Caption        string          `json:"caption,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Markdown       string          `json:"markdown,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Figure is one figure/image object with the image file it resolved to.
type Figure struct {
	PageIndex         int             `json:"page_index"`
	ObjectID          string          `json:"object_id"`
	SectionHeading    string          `json:"section_heading,omitempty"`
	Caption           string          `json:"caption,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	Markdown          string          `json:"markdown,omitempty"`
	ImageRef          string          `json:"image_ref,omitempty"`
	ResolvedImagePath string          `json:"resolved_image_path"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

type ArtifactLink struct {
	ArtifactType     string   `json:"artifact_type"`
	Count            int      `json:"count"`
	LinkedTableIDs   []string `json:"linked_table_ids"`
	LinkedFigureIDs  []string `json:"linked_figure_ids"`
	LinkedImagePaths []string `json:"linked_image_paths"`
}

type Stats struct {
	ImageCount  int `json:"image_count"`
	TableCount  int `json:"table_count"`
	FigureCount int `json:"figure_count"`
}
