package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"reportflow/internal/util/jsonutil"
)

// loadFile reads the document from disk. ok is false when it is absent or cannot
// be decoded.
func (s *Store) loadFile() (entries []Entry, ok bool, err error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil || doc.Files == nil {
		return nil, false, nil
	}
	out := make([]Entry, 0, len(doc.Files))
	seen := make(map[string]bool, len(doc.Files))
	for _, e := range doc.Files {
		e = normalizeEntry(e)
		if e.PDFPath == "" || seen[e.PDFPath] {
			continue
		}
		seen[e.PDFPath] = true
		out = append(out, e)
	}
	return out, true, nil
}

func (s *Store) saveFile(entries []Entry) error {
	sortEntries(entries)
	if err := jsonutil.WriteFile(s.path, document{Files: entries}); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func (s *Store) ensureFile() ([]Entry, error) {
	entries, ok, err := s.loadFile()
	if err != nil {
		return nil, err
	}
	if ok {
		sortEntries(entries)
		return entries, nil
	}
	entries = s.seed()
	if err := s.saveFile(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) upsertFile(pdfPath string, patch Patch) (Entry, error) {
	entries, err := s.ensureFile()
	if err != nil {
		return Entry{}, err
	}
	want := canonical(pdfPath)
	idx := -1
	for i := range entries {
		if entries[i].PDFPath == want {
			idx = i
			break
		}
	}
	if idx < 0 {
		entries = append(entries, NewEntry(want))
		idx = len(entries) - 1
	}
	entries[idx] = entries[idx].apply(patch)
	updated := entries[idx]
	if err := s.saveFile(entries); err != nil {
		return Entry{}, err
	}
	return updated, nil
}

func (s *Store) addPathsFile(paths []string) (AddResult, error) {
	entries, err := s.ensureFile()
	if err != nil {
		return AddResult{}, err
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.PDFPath] = true
	}
	added := 0
	for _, p := range paths {
		abs := canonical(p)
		if abs == "" || known[abs] {
			continue
		}
		known[abs] = true
		entries = append(entries, NewEntry(abs))
		added++
	}
	if added > 0 {
		if err := s.saveFile(entries); err != nil {
			return AddResult{}, err
		}
	} else {
		sortEntries(entries)
	}
	return AddResult{Added: added, Files: entries}, nil
}
