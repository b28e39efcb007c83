package batch

import (
	"path/filepath"
	"sort"
	"strings"

	"reportflow/internal/util/slug"
)

const (
	reportSuffix = "_report.json"
	// maxMatchTokens caps the denominator of the overlap ratio so long titles can
	// still match abbreviated report names.
	maxMatchTokens = 8
)

// Matcher resolves a PDF to an already produced report file by name.
type Matcher struct {
	Threshold float64
}

// Accepts reports whether an overlap score is good enough.
func (m Matcher) Accepts(score float64) bool {
	return score >= m.Threshold
}

// Score is overlap / min(len(pdfTokens), 8).
func Score(pdfTokens, candidateTokens []string) float64 {
	denom := len(pdfTokens)
	if denom > maxMatchTokens {
		denom = maxMatchTokens
	}
	if denom == 0 {
		return 0
	}
	return float64(slug.Overlap(pdfTokens, candidateTokens)) / float64(denom)
}

// Resolve tries Exact first and falls back to Fuzzy.
func (m Matcher) Resolve(pdfPath string, candidates []string) (path string, score float64, ok bool) {
	if c, hit := m.Exact(pdfPath, candidates); hit {
		return c, 1, true
	}
	return m.Fuzzy(pdfPath, candidates)
}

// Exact finds a candidate named "<slug>_report.json" for any slug variant of
// pdfPath, compared case-insensitively.
func (m Matcher) Exact(pdfPath string, candidates []string) (string, bool) {
	sorted := sortedCopy(candidates)
	byName := make(map[string]string, len(sorted))
	for _, c := range sorted {
		name := strings.ToLower(filepath.Base(c))
		if _, dup := byName[name]; !dup {
			byName[name] = c
		}
	}
	for _, v := range slug.Variants(pdfPath) {
		if c, hit := byName[v+reportSuffix]; hit {
			return c, true
		}
	}
	return "", false
}

// Fuzzy returns the best-scoring candidate when Accepts allows it. Ties go to
// the lexically first candidate.
func (m Matcher) Fuzzy(pdfPath string, candidates []string) (path string, score float64, ok bool) {
	stem := filepath.Base(pdfPath)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	pdfTokens := slug.Tokens(stem, 1)
	best, bestScore := "", 0.0
	for _, c := range sortedCopy(candidates) {
		s := Score(pdfTokens, candidateTokens(c))
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	if best == "" || !m.Accepts(bestScore) {
		return "", bestScore, false
	}
	return best, bestScore, true
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}

func candidateTokens(path string) []string {
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, reportSuffix) {
		name = name[:len(name)-len(reportSuffix)]
	} else {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return slug.Tokens(name, 1)
}
