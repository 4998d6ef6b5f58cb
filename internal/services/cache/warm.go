package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/services/fetch"
)

// Warm schedules a full background download of the object into the cache.
// At most one warm runs per object id; callers hitting an in-flight warm
// return immediately. The download outlives the caller's request: it is
// tied to the store's lifecycle, not the request context.
func (s *Store) Warm(obj domain.RemoteObject) {
	if !s.opts.Enabled {
		return
	}
	if obj.IsFolder || obj.Size <= 0 {
		return
	}
	if s.opts.MaxBytes > 0 && obj.Size > s.opts.MaxBytes {
		s.logger.Info("cache warm skipped, object larger than cache budget",
			slog.String("objectId", string(obj.ID)),
			slog.Int64("size", obj.Size),
		)
		return
	}
	if s.IsCached(obj.ID, obj.Size) {
		s.Touch(s.PathFor(obj.ID))
		return
	}

	s.warmMu.Lock()
	if _, running := s.warms[obj.ID]; running {
		s.warmMu.Unlock()
		return
	}
	task := &warmTask{done: make(chan struct{})}
	s.warms[obj.ID] = task
	s.warmMu.Unlock()

	metrics.CacheWarmStartsTotal.Inc()
	go s.runWarm(obj, task)
}

// WaitWarm blocks until an in-flight warm for id finishes or the timeout
// elapses. Callers re-check IsCached afterward; the warm itself keeps
// running regardless of who is still waiting.
func (s *Store) WaitWarm(id domain.ObjectID, timeout time.Duration) {
	s.warmMu.Lock()
	task, ok := s.warms[id]
	s.warmMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-task.done:
	case <-time.After(timeout):
	}
}

func (s *Store) runWarm(obj domain.RemoteObject, task *warmTask) {
	err := s.downloadFull(s.baseCtx, obj)

	s.warmMu.Lock()
	task.err = err
	delete(s.warms, obj.ID)
	s.warmMu.Unlock()
	close(task.done)

	if err != nil {
		metrics.CacheWarmFailuresTotal.Inc()
		s.logger.Warn("cache warm failed",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("cache warm complete",
			slog.String("objectId", string(obj.ID)),
			slog.Int64("size", obj.Size),
		)
	}
	if s.OnWarmDone != nil {
		s.OnWarmDone(obj.ID, err)
	}
	s.Trim()
}

func (s *Store) downloadFull(ctx context.Context, obj domain.RemoteObject) error {
	final := s.PathFor(obj.ID)
	if s.IsCached(obj.ID, obj.Size) {
		s.Touch(final)
		return nil
	}

	s.Trim()

	tmp := final + partSuffix
	_ = os.Remove(tmp)
	if err := os.MkdirAll(s.FilesRoot(), 0o755); err != nil {
		return err
	}

	if err := s.DownloadTo(ctx, obj, tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install cache entry: %w", err)
	}
	s.Touch(final)
	return nil
}

// DownloadTo fetches the full object into dest, writing chunks at absolute
// offsets through as many pool clients as it can acquire. dest is
// pre-sized so out-of-order writes land in place.
func (s *Store) DownloadTo(ctx context.Context, obj domain.RemoteObject, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("allocate destination: %w", err)
	}
	if err := f.Truncate(obj.Size); err != nil {
		f.Close()
		return fmt.Errorf("allocate destination: %w", err)
	}
	f.Close()

	maxWorkers := s.opts.MaxWorkers
	if !s.opts.ParallelAllowed {
		maxWorkers = 1
	}
	clients, release := s.pool.SelectUsable(ctx, obj.Container, maxWorkers)
	defer release()
	if len(clients) == 0 {
		return domain.ErrNoUsableClient
	}
	return s.fetchInto(ctx, clients, obj, dest)
}

// fetchInto downloads the whole object into dest. Chunks are handed out
// through a shared queue and written at their absolute offsets; each worker
// opens its own file handle so there is no shared seek cursor.
func (s *Store) fetchInto(ctx context.Context, clients []ports.FetchClient, obj domain.RemoteObject, dest string) error {
	chunkSize := fetch.ChunkSize(s.opts.ChunkBytes, obj.Size, fetch.ModeDownload)

	numChunks := (obj.Size + chunkSize - 1) / chunkSize
	queue := make(chan int64, numChunks+int64(len(clients)))
	for off := int64(0); off < obj.Size; off += chunkSize {
		queue <- off
	}
	for range clients {
		queue <- -1
	}

	g, workerCtx := errgroup.WithContext(ctx)
	for _, client := range clients {
		client := client
		g.Go(func() error {
			return s.warmWorker(workerCtx, client, obj, dest, chunkSize, queue)
		})
	}
	return g.Wait()
}

func (s *Store) warmWorker(ctx context.Context, client ports.FetchClient, obj domain.RemoteObject, dest string, chunkSize int64, queue chan int64) error {
	handle, err := client.ObjectHandle(ctx, obj.Container, obj.Locator)
	if err != nil {
		return fmt.Errorf("resolve handle via %s: %w", client.ID(), err)
	}
	size := obj.Size
	if handle.Size > 0 {
		size = handle.Size
	}

	f, err := os.OpenFile(dest, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 256<<10)
	for {
		var offset int64
		select {
		case <-ctx.Done():
			return ctx.Err()
		case offset = <-queue:
		}
		if offset < 0 {
			return nil
		}

		want := chunkSize
		if rest := size - offset; rest < want {
			want = rest
		}
		if want <= 0 {
			continue
		}
		if err := s.copyChunk(ctx, client, handle, f, buf, offset, chunkSize, want); err != nil {
			return fmt.Errorf("chunk at %d via %s: %w", offset, client.ID(), err)
		}
	}
}

func (s *Store) copyChunk(ctx context.Context, client ports.FetchClient, handle ports.ObjectHandle, f *os.File, buf []byte, offset, limit, want int64) error {
	rc, err := client.RangeRead(ctx, handle, offset, limit)
	if err != nil {
		return err
	}
	defer rc.Close()

	pos := offset
	written := int64(0)
	for written < want {
		n, err := rc.Read(buf)
		if n > 0 {
			span := int64(n)
			if written+span > want {
				span = want - written
			}
			if _, werr := f.WriteAt(buf[:span], pos); werr != nil {
				return werr
			}
			pos += span
			written += span
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}
	if written < want {
		return fmt.Errorf("%w: offset %d got %d of %d", domain.ErrShortRead, offset, written, want)
	}
	return nil
}
