package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	"mediastream/internal/services/cache"
	"mediastream/internal/services/fetch"
)

// Stream sources, reported per response and on the streamed-bytes counter.
const (
	SourceCache    = "cache"
	SourceParallel = "parallel"
	SourceDirect   = "direct"
)

const maxResumeAttempts = 3

type StreamResult struct {
	Object domain.RemoteObject
	Reader io.ReadCloser
	Source string
}

type StreamObject struct {
	Repo    ports.ObjectRepository
	Pool    *fetch.Pool
	Engine  *fetch.Engine
	Cache   *cache.Store
	Workers int
	Logger  *slog.Logger

	// FallbackChat is assumed for records that predate per-object chat ids.
	FallbackChat string
}

func (uc *StreamObject) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

// Resolve loads the object record and corrects a missing or stale size from
// a live backend probe. The corrected size is written back so later requests
// plan ranges without probing.
func (uc *StreamObject) Resolve(ctx context.Context, id domain.ObjectID) (domain.RemoteObject, error) {
	obj, err := uc.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RemoteObject{}, err
		}
		return domain.RemoteObject{}, wrapRepo(err)
	}
	if obj.IsFolder {
		return domain.RemoteObject{}, ErrNotStreamable
	}
	if obj.Container.ChatID == "" {
		obj.Container.ChatID = uc.FallbackChat
	}
	if obj.Size > 0 {
		return obj, nil
	}

	size, err := uc.probeSize(ctx, obj)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	obj.Size = size
	if err := uc.Repo.UpdateSize(ctx, obj.ID, size); err != nil {
		// The stream still works with the probed size; the record just stays
		// stale until the next probe.
		uc.logger().Warn("size write-back failed",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
	}
	return obj, nil
}

func (uc *StreamObject) probeSize(ctx context.Context, obj domain.RemoteObject) (int64, error) {
	clients, release := uc.Pool.SelectUsable(ctx, obj.Container, 1)
	defer release()
	if len(clients) == 0 {
		return 0, domain.ErrNoUsableClient
	}
	handle, err := clients[0].ObjectHandle(ctx, obj.Container, obj.Locator)
	if err != nil {
		return 0, wrapBackend(err)
	}
	if handle.Size <= 0 {
		return 0, errors.New("backend reports unknown object size")
	}
	return handle.Size, nil
}

// Open produces an in-order byte stream over [start, end] of the object,
// picking the cheapest available strategy: local cache first, the parallel
// multi-client engine when at least two clients are usable, a resumable
// single-client read otherwise. A cache miss also schedules a background
// warm so the next request for the object is local.
func (uc *StreamObject) Open(ctx context.Context, obj domain.RemoteObject, start, end int64) (StreamResult, error) {
	if end >= obj.Size {
		end = obj.Size - 1
	}
	if start < 0 || start > end {
		return StreamResult{}, ErrNotStreamable
	}

	if uc.Cache != nil && uc.Cache.IsCached(obj.ID, obj.Size) {
		path := uc.Cache.PathFor(obj.ID)
		rc, err := uc.Cache.OpenRange(path, start, end)
		if err == nil {
			uc.Cache.Touch(path)
			metrics.CacheHitsTotal.Inc()
			return StreamResult{
				Object: obj,
				Reader: countBytes(rc, SourceCache),
				Source: SourceCache,
			}, nil
		}
		uc.logger().Warn("cached entry unreadable, falling back to backend",
			slog.String("objectId", string(obj.ID)),
			slog.String("error", err.Error()),
		)
	}
	metrics.CacheMissesTotal.Inc()
	if uc.Cache != nil {
		uc.Cache.Warm(obj)
	}

	workers := uc.Workers
	if workers <= 0 {
		workers = 1
	}
	clients, release := uc.Pool.SelectUsable(ctx, obj.Container, workers)
	if len(clients) == 0 {
		release()
		return StreamResult{}, domain.ErrNoUsableClient
	}

	if len(clients) >= 2 {
		rc := uc.Engine.Fetch(ctx, clients, obj.Container, obj.Locator, obj.Size, start, end)
		return StreamResult{
			Object: obj,
			Reader: countBytes(&releasingReader{rc: rc, release: release}, SourceParallel),
			Source: SourceParallel,
		}, nil
	}

	// Single usable client: sequential aligned read, the pool slot is given
	// back immediately so other requests can race for clients, and a failure
	// mid-stream resumes at the current offset through whoever is free then.
	release()
	return StreamResult{
		Object: obj,
		Reader: countBytes(&sequentialReader{
			ctx:    ctx,
			uc:     uc,
			obj:    obj,
			pos:    start,
			end:    end,
			logger: uc.logger(),
		}, SourceDirect),
		Source: SourceDirect,
	}, nil
}

// releasingReader gives the acquired clients back to the pool on Close.
type releasingReader struct {
	rc      io.ReadCloser
	release func()
}

func (r *releasingReader) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r *releasingReader) Close() error {
	err := r.rc.Close()
	r.release()
	return err
}

// sequentialReader streams [pos, end] through one client at a time. Each
// (re)open aligns the current offset down to the quantum and discards the
// prefix. A read failure abandons the current client and reopens from the
// exact byte where delivery stopped, up to maxResumeAttempts times.
type sequentialReader struct {
	ctx    context.Context
	uc     *StreamObject
	obj    domain.RemoteObject
	pos    int64
	end    int64
	logger *slog.Logger

	rc      io.ReadCloser
	release func()
	discard int64
	resumes int
	closed  bool
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	for {
		if r.closed {
			return 0, errors.New("stream closed")
		}
		if r.pos > r.end {
			return 0, io.EOF
		}
		if r.rc == nil {
			if err := r.open(); err != nil {
				return 0, err
			}
		}

		if r.discard > 0 {
			if _, err := io.CopyN(io.Discard, r.rc, r.discard); err != nil {
				r.dropCurrent()
				if rerr := r.retry(err); rerr != nil {
					return 0, rerr
				}
				continue
			}
			r.discard = 0
		}

		remain := r.end - r.pos + 1
		if int64(len(p)) > remain {
			p = p[:remain]
		}
		n, err := r.rc.Read(p)
		r.pos += int64(n)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.pos > r.end {
				return 0, io.EOF
			}
			r.dropCurrent()
			if rerr := r.retry(err); rerr != nil {
				return 0, rerr
			}
		}
	}
}

func (r *sequentialReader) open() error {
	clients, release := r.uc.Pool.SelectUsable(r.ctx, r.obj.Container, 1)
	if len(clients) == 0 {
		release()
		return domain.ErrNoUsableClient
	}
	client := clients[0]

	handle, err := client.ObjectHandle(r.ctx, r.obj.Container, r.obj.Locator)
	if err != nil {
		release()
		return wrapBackend(err)
	}

	alignedStart, _, skip := fetch.Align(r.pos, r.end-r.pos+1, r.obj.Size, fetch.ModeStream)
	rc, err := client.RangeRead(r.ctx, handle, alignedStart, 0)
	if err != nil {
		release()
		return wrapBackend(err)
	}

	r.rc = rc
	r.release = release
	r.discard = skip
	return nil
}

func (r *sequentialReader) dropCurrent() {
	if r.rc != nil {
		r.rc.Close()
		r.rc = nil
	}
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

func (r *sequentialReader) retry(cause error) error {
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	r.resumes++
	if r.resumes > maxResumeAttempts {
		return wrapBackend(cause)
	}
	r.logger.Warn("stream interrupted, resuming",
		slog.String("objectId", string(r.obj.ID)),
		slog.Int64("offset", r.pos),
		slog.Int("attempt", r.resumes),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (r *sequentialReader) Close() error {
	r.closed = true
	r.dropCurrent()
	return nil
}

// countBytes feeds delivered byte counts into the per-source counter.
func countBytes(rc io.ReadCloser, source string) io.ReadCloser {
	return &countingReader{rc: rc, source: source}
}

type countingReader struct {
	rc     io.ReadCloser
	source string
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 {
		metrics.StreamedBytesTotal.WithLabelValues(c.source).Add(float64(n))
	}
	return n, err
}

func (c *countingReader) Close() error { return c.rc.Close() }
