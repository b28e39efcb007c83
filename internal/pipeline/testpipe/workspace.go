// Package testpipe builds throwaway workspaces whose stage tools are /bin/sh stubs.
package testpipe

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"reportflow/internal/config"
)

// Prelude parses the stage flags into shell variables for stub bodies:
// $input, $out, $outmd, $report and $offline.
const Prelude = `set -e
input=""; out=""; outmd=""; report=""; offline=""
while [ $# -gt 0 ]; do
  case "$1" in
    --input) input="$2"; shift 2 ;;
    --output) out="$2"; shift 2 ;;
    --output-md) outmd="$2"; shift 2 ;;
    --report-json) report="$2"; shift 2 ;;
    --offline-only) offline=1; shift ;;
    *) shift ;;
  esac
done
`

// Extraction is what the stubbed schema extraction emits. It carries no tables
// or figures and one obsolete key.
const Extraction = `{
  "title": "Stub Threat Report",
  "document_metadata": {"title": "Stub Threat Report", "publication_date": "2023-04-05"},
  "legacy_scoring_config": {"weights": [1, 2]},
  "sources": [
    {"title": "Vendor blog"},
    {"source_id": "SRC-X", "title": "Gov advisory", "year": 2022}
  ],
  "stage1_markdown_parse": {"pages": [
    {"page_index": 0, "tables": [], "figures_images": [],
     "citations": [{"text": "a", "resolved_source_id": "SRC0001"}, {"text": "b"}]}
  ]},
  "stage2_claim_extraction": {"attribution_claims": [{"claim_text": "Actor X did it"}, {"claim_text": ""}]},
  "global_indices": {"artifacts": []}
}`

// MinimalPDF has a single page.
const MinimalPDF = "%PDF-1.4\n1 0 obj << /Type /Pages /Kids [2 0 R] /Count 1 >> endobj\n2 0 obj << /Type /Page /Parent 1 0 R >> endobj\n%%EOF\n"

// ValidationBody writes a validation report with the given certification.
func ValidationBody(cert string) string {
	return `printf '{"certification":"` + cert + `","overall_score":0.91,"summary_counts":{"errors":0},"category_scores":{"sources":0.9}}' > "$out"
printf '# validation\n' > "$outmd"
`
}

// Failing exits with status code after printing msg to stderr.
func Failing(msg string, code int) string {
	return "echo '" + msg + "' >&2\nexit " + strconv.Itoa(code) + "\n"
}

// DefaultBodies makes every stage succeed.
func DefaultBodies() map[string]string {
	return map[string]string{
		config.ToolPDFToMarkdown:    `printf '# Stub Threat Report\n\nBody text without images.\n' > "$out"` + "\n",
		config.ToolSchemaExtraction: "cat > \"$out\" <<'JSON'\n" + Extraction + "\nJSON\n",
		config.ToolSourceInference:  `cp "$input" "$out"` + "\n",
		config.ToolValidation:       ValidationBody("PASS"),
		config.ToolScoreFullICJ:     `printf '{"score":0.75}' > "$out"` + "\n",
		config.ToolScoreICJV3:       `test -f "$input"; printf '{"score_v3":0.7}' > "$out"` + "\n",
		config.ToolScoreICJV4:       `test -f "$input"; printf '{"score_v4":0.65}' > "$out"` + "\n",
		config.ToolFigures:          `test -f "$report"; printf '<html>viewer</html>' > "$out"` + "\n",
	}
}

// Workspace is a temporary REPORTFLOW_HOME.
type Workspace struct {
	Home   string
	Config *config.Config
	t      testing.TB
}

func New(t testing.TB) *Workspace {
	t.Helper()
	home := t.TempDir()
	cfg := config.FromEnv(func(k string) string {
		if k == "REPORTFLOW_HOME" {
			return home
		}
		return ""
	})
	cfg.HeartbeatInterval = time.Hour
	cfg.KillGrace = 200 * time.Millisecond
	w := &Workspace{Home: home, Config: cfg, t: t}
	if err := os.MkdirAll(cfg.ReportsDir, 0o755); err != nil {
		t.Fatalf("mkdir reports: %v", err)
	}
	for id, body := range DefaultBodies() {
		w.SetTool(id, body)
	}
	return w
}

// SetTool replaces the stub for one stage.
func (w *Workspace) SetTool(id, body string) {
	w.t.Helper()
	path := w.WriteFile(filepath.Join("tools", id+".sh"), "#!/bin/sh\n"+Prelude+body)
	w.Config.Tools[id] = config.ToolSpec{Command: "/bin/sh", Args: []string{path}}
}

// AddPDF writes a one-page PDF into the reports directory.
func (w *Workspace) AddPDF(name string) string {
	w.t.Helper()
	rel, err := filepath.Rel(w.Home, filepath.Join(w.Config.ReportsDir, name))
	if err != nil {
		w.t.Fatalf("rel: %v", err)
	}
	return w.WriteFile(rel, MinimalPDF)
}

// WriteFile writes content at a path relative to Home and returns the absolute path.
func (w *Workspace) WriteFile(rel, content string) string {
	w.t.Helper()
	path := filepath.Join(w.Home, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.t.Fatalf("write %s: %v", rel, err)
	}
	return path
}
