// Package artifact publishes finished reports to object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reportflow/internal/config"
)

// Store persists report files grouped by report id.
type Store interface {
	Put(ctx context.Context, reportID, name string, content []byte) error
	Get(ctx context.Context, reportID, name string) ([]byte, error)
	GetURL(ctx context.Context, reportID, name string) (string, error)
	List(ctx context.Context, reportID string) ([]string, error)
}

var ErrNotFound = errors.New("artifact not found")

// NewFromConfig returns the S3 store when an endpoint is configured, else nil.
func NewFromConfig(cfg config.ArtifactConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	s, err := NewS3Store(S3Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
		Prefix:    cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Publisher uploads local files into a Store under "<reportID>/<file name>".
type Publisher struct {
	Store Store
}

// Publish uploads every non-empty path. Missing files are skipped; the first
// upload error is returned after the remaining files were attempted.
func (p Publisher) Publish(ctx context.Context, reportID string, paths ...string) error {
	if p.Store == nil {
		return nil
	}
	var firstErr error
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil {
			err = p.Store.Put(ctx, reportID, filepath.Base(path), b)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish %s: %w", filepath.Base(path), err)
		}
	}
	return firstErr
}

func validateKey(reportID, name string) (string, string, error) {
	reportID = strings.TrimSpace(reportID)
	name = strings.TrimSpace(name)
	if reportID == "" {
		return "", "", fmt.Errorf("report_id is required")
	}
	if name == "" {
		return "", "", fmt.Errorf("name is required")
	}
	return reportID, name, nil
}

func objectKey(reportID, name string) string {
	return strings.TrimSpace(reportID) + "/" + strings.TrimLeft(strings.TrimSpace(name), "/")
}
