package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reportflow/internal/enrich"
	"reportflow/internal/runner"
	"reportflow/internal/util/jsonutil"
	"reportflow/internal/util/slug"
)

// Report is the durable output of a run; viewer and rescoring read it back.
type Report struct {
	ReportID       string             `json:"report_id"`
	GeneratedAtUTC string             `json:"generated_at_utc"`
	SourceFiles    SourceFiles        `json:"source_files"`
	RawExtraction  json.RawMessage    `json:"raw_extraction"`
	ScoreInputV3   json.RawMessage    `json:"score_input_v3"`
	Scores         Scores             `json:"scores"`
	Validation     *Validation        `json:"validation,omitempty"`
	Enrichment     *enrich.Enrichment `json:"enrichment"`
}

type SourceFiles struct {
	PDF                  string `json:"pdf"`
	Markdown             string `json:"markdown"`
	RawExtraction        string `json:"raw_extraction"`
	ValidationReportJSON string `json:"validation_report_json"`
	ValidationReportMD   string `json:"validation_report_md"`
	FullScores           string `json:"full_scores"`
	ScoreInputV3         string `json:"score_input_v3"`
	FullScoresV3         string `json:"full_scores_v3"`
	FullScoresV4         string `json:"full_scores_v4"`
}

// Scores holds each scorer's output verbatim; a skipped scorer is null.
type Scores struct {
	FullICJ   json.RawMessage `json:"full_icj"`
	FullICJV3 json.RawMessage `json:"full_icj_v3"`
	FullICJV4 json.RawMessage `json:"full_icj_v4"`
}

// Validation is the summary of the validation stage's JSON report.
type Validation struct {
	Certification  string          `json:"certification"`
	OverallScore   json.RawMessage `json:"overall_score"`
	SummaryCounts  json.RawMessage `json:"summary_counts"`
	CategoryScores json.RawMessage `json:"category_scores"`
}

// RunResult is returned by RunForPDF.
type RunResult struct {
	RunID       string               `json:"runId"`
	PDFPath     string               `json:"pdfPath"`
	ReportPath  string               `json:"reportPath"`
	OutHTMLPath string               `json:"outHtmlPath"`
	PageCount   int                  `json:"pageCount"`
	Validation  Validation           `json:"validation"`
	Stages      []runner.StageResult `json:"stages"`
}

// ReadReport loads the report at path.
func ReadReport(path string) (*Report, error) {
	var r Report
	if err := jsonutil.ReadFile(path, &r); err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}
	return &r, nil
}

// WriteReport atomically replaces the report at path.
func WriteReport(path string, r *Report) error {
	if err := jsonutil.WriteFile(path, r); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// ReportFileName is the naming convention other tools rely on.
func ReportFileName(pdfPath string) string {
	return slug.Stem(pdfPath) + "_report.json"
}

// HTMLPathFor returns the viewer path that sits next to a report.
func HTMLPathFor(reportPath string) string {
	return strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".html"
}

// readValidation summarizes a validation report. ok is false when the file is
// missing or not a JSON object.
func readValidation(path string) (Validation, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Validation{}, false
	}
	var doc map[string]json.RawMessage
	if err := jsonutil.UnmarshalFlex(b, &doc); err != nil || doc == nil {
		return Validation{}, false
	}
	v := Validation{
		OverallScore:   nullIfEmpty(doc["overall_score"]),
		SummaryCounts:  nullIfEmpty(doc["summary_counts"]),
		CategoryScores: nullIfEmpty(doc["category_scores"]),
	}
	var cert string
	if json.Unmarshal(doc["certification"], &cert) == nil {
		v.Certification = strings.TrimSpace(cert)
	}
	return v, true
}

// readRaw returns the JSON document at path, or null when it is missing or invalid.
func readRaw(path string) json.RawMessage {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if jsonutil.IsNull(raw) {
		return nil
	}
	return raw
}
