package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Stage ids double as keys in Config.Tools.
const (
	ToolPDFToMarkdown     = "01_pdf_to_md"
	ToolSchemaExtraction  = "02_schema_extraction"
	ToolSourceInference   = "02b_source_inference"
	ToolValidation        = "03_validation"
	ToolScoreFullICJ      = "04_score_full_icj"
	ToolScoreICJV3        = "05_score_icj_v3"
	ToolScoreICJV4        = "05b_score_icj_v4"
	ToolFigures           = "06_figures"
	defaultSamplePDFName  = "sample_report.pdf"
	defaultRegistryFile   = "pipeline_files.json"
	defaultSchemaFileName = "report_extraction_schema.json"
)

var defaultToolScripts = map[string]string{
	ToolPDFToMarkdown:    "pdf_to_markdown.py",
	ToolSchemaExtraction: "extract_report_schema.py",
	ToolSourceInference:  "infer_source_institutions.py",
	ToolValidation:       "validate_extraction.py",
	ToolScoreFullICJ:     "score_full_icj.py",
	ToolScoreICJV3:       "score_icj_v3.py",
	ToolScoreICJV4:       "score_icj_v4.py",
	ToolFigures:          "build_report_viewer.py",
}

// ToolSpec is the argv prefix used to launch one stage's external tool. Stage flags
// (--input, --output, ...) are appended by the orchestrator.
type ToolSpec struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"-"`
}

type Config struct {
	Home            string
	ReportsDir      string
	OutputsDir      string
	ReportOutputDir string
	RunsDir         string
	ScriptsDir      string
	SchemaPath      string
	Python          string
	SamplePDF       string
	Tools           map[string]ToolSpec
	ToolsFile       string
	HomeEnvName     string

	PDFToMarkdownTimeout   time.Duration
	OfflineFallbackTimeout time.Duration
	HeartbeatInterval      time.Duration
	KillGrace              time.Duration

	ContinueOnValidationFail bool
	StrictFigureMatching     bool
	ObsoleteExtractionKeys   []string
	BatchEnv                 map[string]string
	BatchMinInterval         time.Duration
	FuzzyMatchThreshold      float64

	Registry RegistryConfig
	Artifact ArtifactConfig
	Progress ProgressConfig

	HTTPAddr  string
	LogLevel  string
	LogFormat string
}

type RegistryConfig struct {
	Path string
	DSN  string
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

type ProgressConfig struct {
	RedisURL     string
	RedisChannel string
}

// Load reads .env (if present) and the process environment, then applies the
// optional tool override file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv(os.Getenv)
	if cfg.ToolsFile != "" {
		if err := cfg.LoadToolsFile(cfg.ToolsFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// FromEnv builds a Config from getenv with documented defaults applied.
func FromEnv(getenv func(string) string) *Config {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	home := get("REPORTFLOW_HOME")
	if home == "" {
		if wd, err := os.Getwd(); err == nil {
			home = wd
		} else {
			home = "."
		}
	}
	if abs, err := filepath.Abs(home); err == nil {
		home = abs
	}
	reports := firstNonEmpty(get("REPORTFLOW_REPORTS_DIR"), filepath.Join(home, "reports"))
	outputs := firstNonEmpty(get("REPORTFLOW_OUTPUTS_DIR"), filepath.Join(home, "outputs"))
	scripts := firstNonEmpty(get("REPORTFLOW_SCRIPTS_DIR"), filepath.Join(home, "scripts"))

	cfg := &Config{
		Home:            home,
		ReportsDir:      reports,
		OutputsDir:      outputs,
		ReportOutputDir: firstNonEmpty(get("REPORTFLOW_REPORT_OUTPUT_DIR"), filepath.Join(outputs, "reports")),
		RunsDir:         firstNonEmpty(get("REPORTFLOW_RUNS_DIR"), filepath.Join(outputs, "pipeline_runs")),
		ScriptsDir:      scripts,
		SchemaPath:      firstNonEmpty(get("REPORTFLOW_SCHEMA_PATH"), filepath.Join(home, "schemas", defaultSchemaFileName)),
		Python:          firstNonEmpty(get("REPORTFLOW_PYTHON"), "python3"),
		SamplePDF:       firstNonEmpty(get("REPORTFLOW_SAMPLE_PDF"), filepath.Join(reports, defaultSamplePDFName)),
		ToolsFile:       get("REPORTFLOW_TOOLS_FILE"),
		HomeEnvName:     "REPORTFLOW_HOME",

		PDFToMarkdownTimeout:   millis(get("PDF_TO_MD_TIMEOUT_MS"), 480_000),
		OfflineFallbackTimeout: millis(get("PDF_TO_MD_OFFLINE_TIMEOUT_MS"), 180_000),
		HeartbeatInterval:      millis(get("STAGE_HEARTBEAT_MS"), 15_000),
		KillGrace:              millis(get("STAGE_KILL_GRACE_MS"), 5_000),

		ContinueOnValidationFail: boolOr(get("CONTINUE_ON_VALIDATION_FAIL"), true),
		StrictFigureMatching:     boolOr(get("STRICT_FIGURE_MATCHING"), false),
		ObsoleteExtractionKeys:   listOr(get("OBSOLETE_EXTRACTION_KEYS"), []string{"legacy_scoring_config"}),
		BatchEnv: map[string]string{
			"REPORTFLOW_BATCH_MODE":        "1",
			"REPORTFLOW_PROVIDER_BATCH":    "1",
			"REPORTFLOW_PROVIDER_THROTTLE": "1",
		},
		BatchMinInterval:    millis(get("BATCH_MIN_INTERVAL_MS"), 0),
		FuzzyMatchThreshold: floatOr(get("FUZZY_MATCH_THRESHOLD"), 0.45),

		Registry: RegistryConfig{
			Path: firstNonEmpty(get("REPORTFLOW_REGISTRY_PATH"), filepath.Join(outputs, defaultRegistryFile)),
			DSN:  get("REGISTRY_PG_DSN"),
		},
		Artifact: ArtifactConfig{
			Endpoint:  get("ARTIFACT_S3_ENDPOINT"),
			Region:    firstNonEmpty(get("ARTIFACT_S3_REGION"), "us-east-1"),
			AccessKey: get("ARTIFACT_S3_ACCESS_KEY"),
			SecretKey: get("ARTIFACT_S3_SECRET_KEY"),
			Bucket:    firstNonEmpty(get("ARTIFACT_S3_BUCKET"), "reportflow-reports"),
			UseSSL:    boolOr(get("ARTIFACT_S3_USE_SSL"), true),
			Prefix:    firstNonEmpty(get("ARTIFACT_S3_PREFIX"), "reports"),
		},
		Progress: ProgressConfig{
			RedisURL:     get("PROGRESS_REDIS_URL"),
			RedisChannel: firstNonEmpty(get("PROGRESS_REDIS_CHANNEL"), "reportflow:progress"),
		},

		HTTPAddr:  normalizeAddr(firstNonEmpty(get("HTTP_ADDR"), ":8090")),
		LogLevel:  get("LOG_LEVEL"),
		LogFormat: get("LOG_FORMAT"),
	}
	cfg.Artifact.Enabled = cfg.Artifact.Endpoint != ""
	cfg.Tools = DefaultTools(cfg.Python, scripts)
	return cfg
}

// DefaultTools returns the stock "<python> <scripts>/<tool>.py" launch specs.
func DefaultTools(python, scriptsDir string) map[string]ToolSpec {
	out := make(map[string]ToolSpec, len(defaultToolScripts))
	for id, script := range defaultToolScripts {
		out[id] = ToolSpec{Command: python, Args: []string{filepath.Join(scriptsDir, script)}}
	}
	return out
}

// Tool returns the launch spec for a stage id.
func (c *Config) Tool(id string) ToolSpec {
	if c != nil {
		if spec, ok := c.Tools[id]; ok && spec.Command != "" {
			return spec
		}
	}
	return ToolSpec{Command: "python3", Args: []string{filepath.Join("scripts", defaultToolScripts[id])}}
}

// BaseEnv is the environment every tool invocation receives.
func (c *Config) BaseEnv() []string {
	env := os.Environ()
	return append(env, c.HomeEnvName+"="+c.Home)
}

// RunEnv extends BaseEnv with the batch-mode flags when batch is set.
func (c *Config) RunEnv(batch bool) []string {
	env := c.BaseEnv()
	if !batch {
		return env
	}
	keys := make([]string, 0, len(c.BatchEnv))
	for k := range c.BatchEnv {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.BatchEnv[k])
	}
	return env
}

func normalizeAddr(addr string) string {
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

func millis(raw string, def int64) time.Duration {
	if raw == "" {
		return time.Duration(def) * time.Millisecond
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(v) * time.Millisecond
}

func boolOr(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func floatOr(raw string, def float64) float64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || v > 1 {
		return def
	}
	return v
}

func listOr(raw string, def []string) []string {
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
