// Package registry tracks known source PDFs and the last report produced for each.
//
// The default backend is a single JSON document rewritten wholesale on every
// mutation. Setting a DSN switches to a Postgres table with the same semantics.
package registry

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"reportflow/internal/config"
	"reportflow/internal/logging"
)

type Store struct {
	path      string
	samplePDF string
	db        *sql.DB

	// mu serializes read-merge-write cycles within this process. There is no
	// cross-process lock on the file backend.
	mu sync.Mutex

	schemaOnce sync.Once
	schemaErr  error
}

// New returns a file-backed store at path. samplePDF seeds an empty or malformed
// document; pass "" to seed with no entries.
func New(path, samplePDF string) *Store {
	return &Store{path: path, samplePDF: strings.TrimSpace(samplePDF)}
}

// NewPostgres opens a Postgres-backed store through the pgx stdlib driver.
func NewPostgres(dsn, samplePDF string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, samplePDF: strings.TrimSpace(samplePDF)}, nil
}

// Open picks the backend from cfg. A Postgres DSN that cannot be reached falls
// back to the file backend with a warning.
func Open(cfg config.RegistryConfig, samplePDF string, logger *slog.Logger) *Store {
	log := logging.Component(logger, "registry")
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		s, err := NewPostgres(dsn, samplePDF)
		if err == nil {
			log.Info("using postgres registry")
			return s
		}
		log.Warn("postgres registry unavailable, using file backend", "err", err, "path", cfg.Path)
	}
	return New(cfg.Path, samplePDF)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ensure loads the registry, seeding and persisting it first when the document is
// absent or malformed.
func (s *Store) Ensure() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.ensureDB()
	}
	return s.ensureFile()
}

// Get returns the entry for pdfPath or ErrNotFound.
func (s *Store) Get(pdfPath string) (Entry, error) {
	entries, err := s.Ensure()
	if err != nil {
		return Entry{}, err
	}
	want := canonical(pdfPath)
	for _, e := range entries {
		if e.PDFPath == want {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Upsert merges patch into the entry whose PDF path equals pdfPath. An unknown
// path is registered first, so a run on an ad-hoc PDF still lands in the index.
func (s *Store) Upsert(pdfPath string, patch Patch) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.upsertDB(pdfPath, patch)
	}
	return s.upsertFile(pdfPath, patch)
}

// AddPaths registers every path not already known. Existing entries are left
// untouched, so calling it twice with the same set adds nothing the second time.
func (s *Store) AddPaths(paths []string) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.addPathsDB(paths)
	}
	return s.addPathsFile(paths)
}

func (s *Store) seed() []Entry {
	if s.samplePDF == "" {
		return []Entry{}
	}
	return []Entry{NewEntry(s.samplePDF)}
}
