package enrich

import (
	"path/filepath"
	"strings"
)

// ResolveContext is what a FigureResolver can draw on for one build.
type ResolveContext struct {
	// ByBasename maps a lower-cased file name to its discovered path.
	ByBasename map[string]string
	// MarkdownRefs holds the resolved path of each markdown image reference, in
	// document order; unresolved references are "".
	MarkdownRefs []string
	Images       []ImageFile
}

func (c ResolveContext) lookup(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return c.ByBasename[strings.ToLower(filepath.Base(filepath.FromSlash(ref)))]
}

// FigureResolver picks the image file for the i-th figure.
type FigureResolver interface {
	Resolve(i int, fig Figure, ctx ResolveContext) string
}

// PositionalResolver matches by basename first, then falls back to the markdown
// reference at the same index, then to the i-th discovered image. The positional
// fallbacks can mis-link when figure and image counts diverge.
type PositionalResolver struct{}

func (PositionalResolver) Resolve(i int, fig Figure, ctx ResolveContext) string {
	if p := ctx.lookup(fig.ImageRef); p != "" {
		return p
	}
	if i < len(ctx.MarkdownRefs) && ctx.MarkdownRefs[i] != "" {
		return ctx.MarkdownRefs[i]
	}
	if i < len(ctx.Images) {
		return ctx.Images[i].Path
	}
	return ""
}

// StrictResolver only accepts an exact basename match on the figure's image_ref.
type StrictResolver struct{}

func (StrictResolver) Resolve(_ int, fig Figure, ctx ResolveContext) string {
	return ctx.lookup(fig.ImageRef)
}
