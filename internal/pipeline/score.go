package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"reportflow/internal/config"
	"reportflow/internal/util/jsonutil"
)

// scoring is what the scoring stages produced for one extraction.
type scoring struct {
	FullPath  string
	InputPath string
	V3Path    string
	V4Path    string
	V3OK      bool
	V4OK      bool
	Input     json.RawMessage
}

// score runs the primary scorer (fatal), derives score_input_v3 and runs the
// secondary and tertiary scorers (soft).
func (r *run) score(ctx context.Context, extraction string) (*scoring, error) {
	sc := &scoring{
		FullPath:  r.path("_full_icj.json"),
		InputPath: r.path("_score_input_v3.json"),
		V3Path:    r.path("_icj_v3.json"),
		V4Path:    r.path("_icj_v4.json"),
	}
	res, err := r.exec(ctx, r.tool(config.ToolScoreFullICJ, sc.FullPath, "scoring (full ICJ)",
		"--input", extraction, "--output", sc.FullPath))
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, stageFailed(res, "")
	}

	raw := readRaw(extraction)
	if raw == nil {
		return nil, fmt.Errorf("read extraction %s: not a JSON document", extraction)
	}
	input, err := DeriveScoreInputV3(raw)
	if err != nil {
		return nil, err
	}
	if err := jsonutil.WriteFile(sc.InputPath, input); err != nil {
		return nil, fmt.Errorf("write score input: %w", err)
	}
	if sc.Input, err = jsonutil.MarshalIndent(input); err != nil {
		return nil, err
	}

	if sc.V3OK, err = r.softScore(ctx, config.ToolScoreICJV3, sc.InputPath, sc.V3Path, "scoring (ICJ v3)"); err != nil {
		return nil, err
	}
	if sc.V4OK, err = r.softScore(ctx, config.ToolScoreICJV4, sc.InputPath, sc.V4Path, "scoring (ICJ v4)"); err != nil {
		return nil, err
	}
	return sc, nil
}

func (r *run) softScore(ctx context.Context, id, input, output, hint string) (bool, error) {
	res, err := r.exec(ctx, r.tool(id, output, hint, "--input", input, "--output", output))
	if err != nil {
		return false, err
	}
	if res.OK && readRaw(output) != nil {
		return true, nil
	}
	r.warn(id, fmt.Sprintf("%s failed; score omitted", id))
	return false, nil
}

// apply fills the report's score fields. Skipped scorers stay null.
func (sc *scoring) apply(rep *Report) {
	rep.SourceFiles.FullScores = sc.FullPath
	rep.SourceFiles.ScoreInputV3 = sc.InputPath
	rep.SourceFiles.FullScoresV3 = ""
	rep.SourceFiles.FullScoresV4 = ""
	rep.ScoreInputV3 = sc.Input
	rep.Scores = Scores{FullICJ: readRaw(sc.FullPath)}
	if sc.V3OK {
		rep.SourceFiles.FullScoresV3 = sc.V3Path
		rep.Scores.FullICJV3 = readRaw(sc.V3Path)
	}
	if sc.V4OK {
		rep.SourceFiles.FullScoresV4 = sc.V4Path
		rep.Scores.FullICJV4 = readRaw(sc.V4Path)
	}
}

// sanitizeExtraction removes keys from the top level of the extraction document and
// rewrites it only when something was removed.
func sanitizeExtraction(path string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := jsonutil.UnmarshalFlex(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("extraction is not a JSON object")
	}
	var removed []string
	for _, k := range keys {
		if _, ok := doc[k]; ok {
			delete(doc, k)
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, jsonutil.WriteFile(path, doc)
}
