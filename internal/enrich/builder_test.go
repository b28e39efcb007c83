package enrich

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const sampleExtraction = `{
  "stage1_markdown_parse": {
    "pages": [
      {
        "page_index": 0,
        "section_heading": "Indicators",
        "tables": [
          {"table_id": "T1", "caption": "SHA256 hashes observed", "markdown": "| hash |"},
          {"caption": "Infrastructure", "notes": "domains only"}
        ],
        "figures_images": [
          {"figure_id": "F1", "caption": "Loader chain", "image_ref": "IMG-0.PNG"}
        ]
      },
      {
        "page_index": 1,
        "figures_images": [
          {"figure_id": "F2", "caption": "Beacon 44d88612fea8a8f36de82e1278abb02f"},
          {"figure_id": "F3", "caption": "Unrelated"}
        ]
      }
    ]
  },
  "global_indices": {
    "artifacts": [
      {"artifact_type": "MD5", "example_values": ["44D88612FEA8A8F36DE82E1278ABB02F"]},
      {"artifact_type": "sha256", "count": 7},
      {"artifact_type": "JA3"}
    ]
  }
}`

func setupDocs(t *testing.T) (md, pdf string) {
	t.Helper()
	root := t.TempDir()
	reports := filepath.Join(root, "reports")
	run := filepath.Join(root, "outputs", "run1")

	pdf = filepath.Join(reports, "apt report.pdf")
	writeFile(t, pdf, "%PDF-1.4")
	writeFile(t, filepath.Join(reports, "apt report.mistral_images", "img-0.png"), "x")
	writeFile(t, filepath.Join(reports, "apt report.mistral_images", "img-1.jpeg"), "x")
	writeFile(t, filepath.Join(reports, "other.mistral_images", "zzz.png"), "x")
	writeFile(t, filepath.Join(reports, "notes.txt"), "x")

	md = filepath.Join(run, "apt_report.md")
	writeFile(t, md, "# Title\n![first](img-0.png)\ntext\n![second]( \"img-1.jpeg\" )\n![gone](missing.png)\n")
	return md, pdf
}

func TestBuildLinksFiguresAndArtifacts(t *testing.T) {
	md, pdf := setupDocs(t)
	b := NewBuilder(false, nil)
	out := b.Build(Input{Extraction: json.RawMessage(sampleExtraction), MarkdownPath: md, PDFPath: pdf})

	assert.Equal(t, []string{"img-0.png", "img-1.jpeg", "missing.png"}, out.Markdown.ImageRefs)
	assert.Equal(t, Stats{ImageCount: 2, TableCount: 2, FigureCount: 3}, out.Stats)

	require.Len(t, out.Tables, 2)
	assert.Equal(t, "T1", out.Tables[0].ObjectID)
	assert.Equal(t, "p0_t2", out.Tables[1].ObjectID)
	assert.Equal(t, "Indicators", out.Tables[1].SectionHeading)

	imgDir := filepath.Join(filepath.Dir(pdf), "apt report.mistral_images")
	require.Len(t, out.Figures, 3)
	assert.Equal(t, filepath.Join(imgDir, "img-0.png"), out.Figures[0].ResolvedImagePath, "basename match is case-insensitive")
	assert.Equal(t, filepath.Join(imgDir, "img-1.jpeg"), out.Figures[1].ResolvedImagePath, "markdown ref at the same index")
	assert.Equal(t, "", out.Figures[2].ResolvedImagePath, "no ref and no third image")

	require.Len(t, out.ArtifactLinks, 3)
	md5 := out.ArtifactLinks[0]
	assert.Equal(t, "MD5", md5.ArtifactType)
	assert.Equal(t, 1, md5.Count)
	assert.Empty(t, md5.LinkedTableIDs)
	assert.Equal(t, []string{"F2"}, md5.LinkedFigureIDs)
	assert.Equal(t, []string{filepath.Join(imgDir, "img-1.jpeg")}, md5.LinkedImagePaths)

	sha := out.ArtifactLinks[1]
	assert.Equal(t, 7, sha.Count)
	assert.Equal(t, []string{"T1"}, sha.LinkedTableIDs)

	ja3 := out.ArtifactLinks[2]
	assert.Empty(t, ja3.LinkedTableIDs)
	assert.Empty(t, ja3.LinkedFigureIDs)
}

func TestBuildStrictResolverSkipsPositionalFallback(t *testing.T) {
	md, pdf := setupDocs(t)
	out := NewBuilder(true, nil).Build(Input{Extraction: json.RawMessage(sampleExtraction), MarkdownPath: md, PDFPath: pdf})

	require.Len(t, out.Figures, 3)
	assert.NotEmpty(t, out.Figures[0].ResolvedImagePath)
	assert.Empty(t, out.Figures[1].ResolvedImagePath)
	assert.Empty(t, out.Figures[2].ResolvedImagePath)
}

func TestBuildIsDeterministic(t *testing.T) {
	md, pdf := setupDocs(t)
	b := NewBuilder(false, nil)
	in := Input{Extraction: json.RawMessage(sampleExtraction), MarkdownPath: md, PDFPath: pdf}

	first, err := json.Marshal(b.Build(in))
	require.NoError(t, err)
	second, err := json.Marshal(b.Build(in))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestBuildToleratesMissingInputs(t *testing.T) {
	out := NewBuilder(false, nil).Build(Input{
		Extraction:   json.RawMessage(`not json`),
		MarkdownPath: filepath.Join(t.TempDir(), "absent", "x.md"),
		PDFPath:      filepath.Join(t.TempDir(), "absent", "x.pdf"),
	})
	assert.Equal(t, Stats{}, out.Stats)
	assert.NotNil(t, out.Images)
	assert.NotNil(t, out.ArtifactLinks)
	assert.Empty(t, out.Markdown.ImageRefs)
}

func TestPositionalResolverFallsBackToDiscoveredImage(t *testing.T) {
	ctx := ResolveContext{
		ByBasename: map[string]string{},
		Images:     []ImageFile{{Path: "/a/one.png"}, {Path: "/a/two.png"}},
	}
	assert.Equal(t, "/a/two.png", PositionalResolver{}.Resolve(1, Figure{}, ctx))
	assert.Equal(t, "", PositionalResolver{}.Resolve(2, Figure{}, ctx))
}

func TestBuildMatchesArtifactsInFigureMarkdown(t *testing.T) {
	doc := `{
  "stage1_markdown_parse": {"pages": [{"page_index": 0, "figures_images": [
    {"figure_id": "F1", "caption": "Network capture", "markdown": "| ja3 | 771,4865 |"},
    {"figure_id": "F2", "caption": "Timeline"}
  ]}]},
  "global_indices": {"artifacts": [{"artifact_type": "JA3"}]}
}`
	out := NewBuilder(false, nil).Build(Input{
		Extraction:   json.RawMessage(doc),
		MarkdownPath: filepath.Join(t.TempDir(), "absent.md"),
		PDFPath:      filepath.Join(t.TempDir(), "absent.pdf"),
	})
	require.Len(t, out.Figures, 2)
	assert.Equal(t, "| ja3 | 771,4865 |", out.Figures[0].Markdown)
	require.Len(t, out.ArtifactLinks, 1)
	assert.Equal(t, []string{"F1"}, out.ArtifactLinks[0].LinkedFigureIDs)
}
