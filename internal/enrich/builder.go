// Package enrich links extracted tables, figures and artifacts to image files found
// next to the markdown and source PDF.
package enrich

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"reportflow/internal/logging"
)

var reMarkdownImage = regexp.MustCompile(`!\[[^\]]*\]\(([^)]*)\)`)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// siblingImageMarker identifies OCR image dump directories next to a PDF.
const siblingImageMarker = ".mistral_images"

// Input is everything one build needs.
type Input struct {
	Extraction   json.RawMessage
	MarkdownPath string
	PDFPath      string
}

type Builder struct {
	Resolver FigureResolver
	Logger   *slog.Logger
}

// NewBuilder returns a builder using the positional resolver, or the strict one.
func NewBuilder(strict bool, logger *slog.Logger) *Builder {
	var r FigureResolver = PositionalResolver{}
	if strict {
		r = StrictResolver{}
	}
	return &Builder{Resolver: r, Logger: logging.Component(logger, "enrich")}
}

// Build never fails: missing files and malformed extraction sections yield empty
// collections.
func (b *Builder) Build(in Input) *Enrichment {
	log := b.Logger
	if log == nil {
		log = logging.Discard()
	}
	resolver := b.Resolver
	if resolver == nil {
		resolver = PositionalResolver{}
	}

	var doc map[string]any
	if len(in.Extraction) > 0 {
		if err := json.Unmarshal(in.Extraction, &doc); err != nil {
			log.Warn("extraction is not a JSON object; enrichment limited to images", "err", err)
		}
	}

	refs := markdownImageRefs(in.MarkdownPath)
	tables, figures := flattenObjects(doc)
	images := discoverImages(imageDirs(in.MarkdownPath, in.PDFPath))

	ctx := ResolveContext{ByBasename: make(map[string]string, len(images)), Images: images}
	for _, img := range images {
		key := strings.ToLower(img.FileName)
		if _, dup := ctx.ByBasename[key]; !dup {
			ctx.ByBasename[key] = img.Path
		}
	}
	mdDir := ""
	if in.MarkdownPath != "" {
		mdDir = filepath.Dir(in.MarkdownPath)
	}
	ctx.MarkdownRefs = make([]string, len(refs))
	for i, ref := range refs {
		ctx.MarkdownRefs[i] = resolveRef(ref, mdDir, ctx)
	}
	for i := range figures {
		figures[i].ResolvedImagePath = resolver.Resolve(i, figures[i], ctx)
	}

	return &Enrichment{
		Markdown:      MarkdownInfo{Path: in.MarkdownPath, ImageRefs: refs},
		Images:        images,
		Tables:        tables,
		Figures:       figures,
		ArtifactLinks: linkArtifacts(doc, tables, figures),
		Stats: Stats{
			ImageCount:  len(images),
			TableCount:  len(tables),
			FigureCount: len(figures),
		},
	}
}

func markdownImageRefs(path string) []string {
	refs := []string{}
	if strings.TrimSpace(path) == "" {
		return refs
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return refs
	}
	for _, m := range reMarkdownImage.FindAllStringSubmatch(string(b), -1) {
		ref := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

func resolveRef(ref, mdDir string, ctx ResolveContext) string {
	if p := ctx.lookup(ref); p != "" {
		return p
	}
	if mdDir == "" || strings.Contains(ref, "://") {
		return ""
	}
	p := filepath.FromSlash(ref)
	if !filepath.IsAbs(p) {
		p = filepath.Join(mdDir, p)
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// imageDirs returns candidate directories in search order: the markdown's
// directory, the PDF's directory, then "<pdf stem>*.mistral_images*" siblings.
func imageDirs(markdownPath, pdfPath string) []string {
	var dirs []string
	seen := map[string]bool{}
	add := func(d string) {
		if d == "" {
			return
		}
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	if strings.TrimSpace(markdownPath) != "" {
		add(filepath.Dir(markdownPath))
	}
	if strings.TrimSpace(pdfPath) == "" {
		return dirs
	}
	pdfDir := filepath.Dir(pdfPath)
	add(pdfDir)

	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	entries, err := os.ReadDir(pdfDir)
	if err != nil {
		return dirs
	}
	var siblings []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, stem) && strings.Contains(name, siblingImageMarker) {
			siblings = append(siblings, filepath.Join(pdfDir, name))
		}
	}
	sort.Strings(siblings)
	for _, s := range siblings {
		add(s)
	}
	return dirs
}

func discoverImages(dirs []string) []ImageFile {
	images := []ImageFile{}
	seen := map[string]bool{}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if seen[p] {
				continue
			}
			seen[p] = true
			images = append(images, ImageFile{Path: p, FileName: e.Name()})
		}
	}
	return images
}

func flattenObjects(doc map[string]any) ([]Table, []Figure) {
	tables := []Table{}
	figures := []Figure{}
	parse, _ := doc["stage1_markdown_parse"].(map[string]any)
	pages, _ := parse["pages"].([]any)
	for pi, rawPage := range pages {
		page, ok := rawPage.(map[string]any)
		if !ok {
			continue
		}
		pageIndex := pi
		if n, ok := page["page_index"].(float64); ok {
			pageIndex = int(n)
		}
		pageHeading := firstString(page, "section_heading", "heading")

		items, _ := page["tables"].([]any)
		for ti, rawItem := range items {
			obj, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			tables = append(tables, Table{
				PageIndex:      pageIndex,
				ObjectID:       firstNonEmpty(firstString(obj, "table_id", "object_id", "id"), fmt.Sprintf("p%d_t%d", pageIndex, ti+1)),
				SectionHeading: firstNonEmpty(firstString(obj, "section_heading", "heading"), pageHeading),
				Caption:        firstString(obj, "caption", "title"),
				Notes:          firstString(obj, "notes", "note"),
				Markdown:       firstString(obj, "markdown", "table_markdown", "content"),
				Raw:            rawJSON(obj),
			})
		}
		items, _ = page["figures_images"].([]any)
		for fi, rawItem := range items {
			obj, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			figures = append(figures, Figure{
				PageIndex:      pageIndex,
				ObjectID:       firstNonEmpty(firstString(obj, "figure_id", "object_id", "id"), fmt.Sprintf("p%d_f%d", pageIndex, fi+1)),
				SectionHeading: firstNonEmpty(firstString(obj, "section_heading", "heading"), pageHeading),
				Caption:        firstString(obj, "caption", "title"),
				Notes:          firstString(obj, "notes", "note", "description"),
				Markdown:       firstString(obj, "markdown", "figure_markdown", "content"),
				ImageRef:       strings.Trim(firstString(obj, "image_ref", "image_path", "src"), `"'`),
				Raw:            rawJSON(obj),
			})
		}
	}
	return tables, figures
}

type artifactDecl struct {
	Type     string
	Examples []string
	Count    int
}

func declaredArtifacts(doc map[string]any) []artifactDecl {
	gi, _ := doc["global_indices"].(map[string]any)
	list, _ := gi["artifacts"].([]any)
	out := make([]artifactDecl, 0, len(list))
	for _, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		d := artifactDecl{Type: firstString(obj, "artifact_type", "type", "name")}
		if d.Type == "" {
			continue
		}
		for _, key := range []string{"example_values", "examples", "values"} {
			vals, _ := obj[key].([]any)
			for _, v := range vals {
				if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
					d.Examples = append(d.Examples, strings.TrimSpace(s))
				}
			}
		}
		if n, ok := obj["count"].(float64); ok {
			d.Count = int(n)
		} else {
			d.Count = len(d.Examples)
		}
		out = append(out, d)
	}
	return out
}

// linkArtifacts uses case-insensitive substring containment of the artifact type or
// any example value in each object's caption, notes and markdown.
func linkArtifacts(doc map[string]any, tables []Table, figures []Figure) []ArtifactLink {
	decls := declaredArtifacts(doc)
	links := make([]ArtifactLink, 0, len(decls))
	tableText := make([]string, len(tables))
	for i, t := range tables {
		tableText[i] = strings.ToLower(strings.Join([]string{t.Caption, t.Notes, t.Markdown}, "\n"))
	}
	figureText := make([]string, len(figures))
	for i, f := range figures {
		figureText[i] = strings.ToLower(strings.Join([]string{f.Caption, f.Notes, f.Markdown}, "\n"))
	}

	for _, d := range decls {
		needles := []string{strings.ToLower(d.Type)}
		for _, ex := range d.Examples {
			needles = append(needles, strings.ToLower(ex))
		}
		link := ArtifactLink{
			ArtifactType:     d.Type,
			Count:            d.Count,
			LinkedTableIDs:   []string{},
			LinkedFigureIDs:  []string{},
			LinkedImagePaths: []string{},
		}
		for i, t := range tables {
			if containsAny(tableText[i], needles) {
				link.LinkedTableIDs = append(link.LinkedTableIDs, t.ObjectID)
			}
		}
		seenImg := map[string]bool{}
		for i, f := range figures {
			if !containsAny(figureText[i], needles) {
				continue
			}
			link.LinkedFigureIDs = append(link.LinkedFigureIDs, f.ObjectID)
			if f.ResolvedImagePath != "" && !seenImg[f.ResolvedImagePath] {
				seenImg[f.ResolvedImagePath] = true
				link.LinkedImagePaths = append(link.LinkedImagePaths, f.ResolvedImagePath)
			}
		}
		links = append(links, link)
	}
	return links
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " ")
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
