package registry

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"reportflow/internal/util/slug"
)

// Last-run statuses. Validation certifications pass through verbatim, so other
// values can appear.
const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusWarning = "WARNING"
	StatusReady   = "READY"
)

var ErrNotFound = errors.New("registry: entry not found")

// Entry is one known source document. PDFPath is absolute and unique.
type Entry struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	PDFPath    string     `json:"pdfPath"`
	ReportPath string     `json:"reportPath"`
	LastRunAt  *time.Time `json:"lastRunAt"`
	LastStatus *string    `json:"lastStatus"`
}

// Patch lists the fields Upsert may change; nil fields are left as they are.
type Patch struct {
	ReportPath *string
	LastRunAt  *time.Time
	LastStatus *string
}

// AddResult is returned by AddPaths.
type AddResult struct {
	Added int     `json:"added"`
	Files []Entry `json:"files"`
}

// document is the on-disk shape of the registry file.
type document struct {
	Files []Entry `json:"files"`
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

// NewEntry builds the entry registered for a newly discovered PDF.
func NewEntry(pdfPath string) Entry {
	abs := canonical(pdfPath)
	return Entry{
		ID:      slug.Stem(abs),
		Label:   filepath.Base(abs),
		PDFPath: abs,
	}
}

func (e Entry) apply(p Patch) Entry {
	if p.ReportPath != nil {
		e.ReportPath = *p.ReportPath
	}
	if p.LastRunAt != nil {
		t := p.LastRunAt.UTC()
		e.LastRunAt = &t
	}
	if p.LastStatus != nil {
		s := strings.TrimSpace(*p.LastStatus)
		e.LastStatus = &s
	}
	return e
}

func normalizeEntry(e Entry) Entry {
	e.PDFPath = canonical(e.PDFPath)
	if strings.TrimSpace(e.Label) == "" {
		e.Label = filepath.Base(e.PDFPath)
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = slug.Stem(e.PDFPath)
	}
	return e
}

// sortEntries orders by label, then by path so equal labels stay deterministic.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Label != entries[j].Label {
			return entries[i].Label < entries[j].Label
		}
		return entries[i].PDFPath < entries[j].PDFPath
	})
}

func canonical(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
