package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) ensureSchema() error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS pipeline_files (
  pdf_path TEXT PRIMARY KEY,
  id TEXT NOT NULL,
  label TEXT NOT NULL,
  report_path TEXT NOT NULL DEFAULT '',
  last_run_at TIMESTAMP WITH TIME ZONE,
  last_status TEXT
);
CREATE INDEX IF NOT EXISTS idx_pipeline_files_label ON pipeline_files (label);
`)
	})
	return s.schemaErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		runAt  sql.NullTime
		status sql.NullString
	)
	if err := row.Scan(&e.PDFPath, &e.ID, &e.Label, &e.ReportPath, &runAt, &status); err != nil {
		return Entry{}, err
	}
	if runAt.Valid {
		t := runAt.Time.UTC()
		e.LastRunAt = &t
	}
	if status.Valid {
		st := status.String
		e.LastStatus = &st
	}
	return e, nil
}

const selectEntries = `SELECT pdf_path, id, label, report_path, last_run_at, last_status FROM pipeline_files`

func (s *Store) listDB() ([]Entry, error) {
	rows, err := s.db.Query(selectEntries + ` ORDER BY label, pdf_path`)
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	defer rows.Close()
	out := make([]Entry, 0, 32)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ensureDB() ([]Entry, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pipeline_files`).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		for _, e := range s.seed() {
			if err := insertEntry(s.db, e); err != nil {
				return nil, err
			}
		}
	}
	return s.listDB()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEntry(db execer, e Entry) error {
	_, err := db.Exec(`
INSERT INTO pipeline_files (pdf_path, id, label, report_path, last_run_at, last_status)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (pdf_path) DO NOTHING`,
		e.PDFPath, e.ID, e.Label, e.ReportPath, nullTime(e.LastRunAt), nullString(e.LastStatus))
	return err
}

func (s *Store) upsertDB(pdfPath string, patch Patch) (Entry, error) {
	if _, err := s.ensureDB(); err != nil {
		return Entry{}, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	want := canonical(pdfPath)
	cur, err := scanEntry(tx.QueryRow(selectEntries+` WHERE pdf_path = $1 FOR UPDATE`, want))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = NewEntry(want)
		if err := insertEntry(tx, cur); err != nil {
			return Entry{}, err
		}
	case err != nil:
		return Entry{}, err
	}
	cur = cur.apply(patch)
	_, err = tx.Exec(`
UPDATE pipeline_files
SET report_path=$2, last_run_at=$3, last_status=$4
WHERE pdf_path=$1`,
		cur.PDFPath, cur.ReportPath, nullTime(cur.LastRunAt), nullString(cur.LastStatus))
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	return cur, nil
}

func (s *Store) addPathsDB(paths []string) (AddResult, error) {
	if _, err := s.ensureDB(); err != nil {
		return AddResult{}, err
	}
	added := 0
	for _, p := range paths {
		e := NewEntry(p)
		if e.PDFPath == "" {
			continue
		}
		res, err := s.db.Exec(`
INSERT INTO pipeline_files (pdf_path, id, label) VALUES ($1,$2,$3)
ON CONFLICT (pdf_path) DO NOTHING`, e.PDFPath, e.ID, e.Label)
		if err != nil {
			return AddResult{}, err
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	files, err := s.listDB()
	if err != nil {
		return AddResult{}, err
	}
	return AddResult{Added: added, Files: files}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
