// Package pdfinfo reads cheap metadata from PDF files.
package pdfinfo

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 256

var (
	rePageObject = regexp.MustCompile(`/Type\s*/Page\b`)
	rePagesCount = regexp.MustCompile(`/Type\s*/Pages\b[^>]*?/Count\s+(\d+)`)
)

type cacheKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Counter counts pages and remembers the answer per canonical path. A file that
// changes on disk misses the cache because size and mtime are part of the key.
type Counter struct {
	cache *lru.Cache[cacheKey, int]
}

func NewCounter(size int) (*Counter, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, int](size)
	if err != nil {
		return nil, err
	}
	return &Counter{cache: c}, nil
}

// Pages returns the page count of the PDF at path, or 0 when it cannot be read.
func (c *Counter) Pages(path string) int {
	key, ok := keyFor(path)
	if !ok {
		return 0
	}
	if c != nil && c.cache != nil {
		if n, hit := c.cache.Get(key); hit {
			return n
		}
	}
	b, err := os.ReadFile(key.path)
	if err != nil {
		return 0
	}
	n := CountPages(b)
	if c != nil && c.cache != nil {
		c.cache.Add(key, n)
	}
	return n
}

// Len reports the number of cached entries.
func (c *Counter) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// CountPages prefers the largest /Count of a page tree node and falls back to
// counting /Type /Page objects. It handles uncompressed object tables only;
// page trees hidden in object streams yield 0.
func CountPages(data []byte) int {
	best := 0
	for _, m := range rePagesCount.FindAllSubmatch(data, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > best {
			best = n
		}
	}
	if best > 0 {
		return best
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) {
		return 0
	}
	return len(rePageObject.FindAll(data, -1))
}

func keyFor(path string) (cacheKey, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return cacheKey{}, false
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return cacheKey{}, false
	}
	return cacheKey{path: abs, size: info.Size(), modTime: info.ModTime()}, true
}
