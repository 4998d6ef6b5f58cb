package cache

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mediastream/internal/metrics"
)

type trimEntry struct {
	path  string
	size  int64
	mtime time.Time
}

// Trim deletes oldest-by-mtime completed files until the cache root fits
// the byte budget. In-progress .part files are live work: they are neither
// counted nor deleted. Only one trim runs at a time; a zero or negative
// budget disables trimming entirely.
func (s *Store) Trim() {
	if !s.opts.Enabled {
		return
	}
	s.trimMu.Lock()
	defer s.trimMu.Unlock()

	if s.opts.MaxBytes <= 0 {
		return
	}

	var entries []trimEntry
	var total int64
	_ = filepath.WalkDir(s.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), partSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		entries = append(entries, trimEntry{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})

	if total <= s.opts.MaxBytes {
		metrics.CacheSizeBytes.Set(float64(total))
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	for _, entry := range entries {
		if err := os.Remove(entry.path); err != nil {
			continue
		}
		metrics.CacheEvictionsTotal.Inc()
		s.logger.Info("cache evicted",
			slog.String("path", entry.path),
			slog.Int64("size", entry.size),
		)
		total -= entry.size
		if total <= s.opts.MaxBytes {
			break
		}
	}
	metrics.CacheSizeBytes.Set(float64(total))
}
