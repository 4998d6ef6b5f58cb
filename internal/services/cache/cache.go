package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/services/fetch"
)

const partSuffix = ".part"

// Options configure the on-disk object cache.
type Options struct {
	Root            string
	MaxBytes        int64
	ChunkBytes      int64
	MaxWorkers      int
	ParallelAllowed bool
	Enabled         bool
}

// Store is a content-addressable disk cache of fully downloaded objects.
// Layout under the root: files/<id>.bin for complete objects, hls/<id>/ as
// transcode workspace. A .part suffix marks work in progress; such files
// are never served, never counted against the budget and never trimmed.
type Store struct {
	opts   Options
	pool   *fetch.Pool
	logger *slog.Logger

	// Fire-and-forget warms are supervised by this context so process
	// shutdown cancels them.
	baseCtx context.Context
	stop    context.CancelFunc

	warmMu sync.Mutex
	warms  map[domain.ObjectID]*warmTask

	trimMu sync.Mutex

	// OnWarmDone, when set, is invoked after every warm attempt finishes.
	OnWarmDone func(id domain.ObjectID, err error)
}

type warmTask struct {
	done chan struct{}
	err  error
}

func NewStore(opts Options, pool *fetch.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 8 << 20
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		opts:    opts,
		pool:    pool,
		logger:  logger,
		baseCtx: ctx,
		stop:    cancel,
		warms:   make(map[domain.ObjectID]*warmTask),
	}
}

// Init creates the directory layout and trims leftovers from a previous run.
func (s *Store) Init() error {
	if !s.opts.Enabled {
		return nil
	}
	for _, dir := range []string{s.FilesRoot(), s.HLSRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	s.Trim()
	return nil
}

// Close cancels all in-flight background warms.
func (s *Store) Close() {
	s.stop()
}

func (s *Store) Enabled() bool { return s.opts.Enabled }

func (s *Store) MaxBytes() int64 { return s.opts.MaxBytes }

func (s *Store) FilesRoot() string { return filepath.Join(s.opts.Root, "files") }

func (s *Store) HLSRoot() string { return filepath.Join(s.opts.Root, "hls") }

// PathFor returns the final on-disk path for a cached object.
func (s *Store) PathFor(id domain.ObjectID) string {
	return filepath.Join(s.FilesRoot(), string(id)+".bin")
}

// HLSDir returns the transcode workspace for an object.
func (s *Store) HLSDir(id domain.ObjectID) string {
	return filepath.Join(s.HLSRoot(), string(id))
}

// IsCached reports whether a complete entry exists. expectedSize 0 skips
// the size check; otherwise the file must hold at least that many bytes.
func (s *Store) IsCached(id domain.ObjectID, expectedSize int64) bool {
	info, err := os.Stat(s.PathFor(id))
	if err != nil || info.IsDir() {
		return false
	}
	if expectedSize > 0 {
		return info.Size() >= expectedSize
	}
	return true
}

// Touch refreshes the mtime so the trimmer sees the entry as recently used.
func (s *Store) Touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

// OpenRange opens a reader over [start, end] of a cached file.
func (s *Store) OpenRange(path string, start, end int64) (io.ReadCloser, error) {
	if end < start {
		return io.NopCloser(&zeroReader{}), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &fileRange{f: f, remain: end - start + 1}, nil
}

// LinkOrCopy installs src at dest, preferring a hard link to avoid doubling
// disk use when cache and HLS workspace share a filesystem.
func (s *Store) LinkOrCopy(src, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

type fileRange struct {
	f      *os.File
	remain int64
}

func (r *fileRange) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.f.Read(p)
	r.remain -= int64(n)
	return n, err
}

func (r *fileRange) Close() error { return r.f.Close() }

type zeroReader struct{}

func (*zeroReader) Read([]byte) (int, error) { return 0, io.EOF }
