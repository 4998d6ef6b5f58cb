package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
)

const defaultStripeBytes int64 = 512 << 10

// Engine fetches a byte range through several clients at once. The range is
// partitioned into aligned chunks pulled from a shared queue; completions
// arrive out of order and are re-emitted strictly by ascending offset.
type Engine struct {
	stripeBytes int64
	logger      *slog.Logger
}

func NewEngine(stripeBytes int64, logger *slog.Logger) *Engine {
	if stripeBytes <= 0 {
		stripeBytes = defaultStripeBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{stripeBytes: stripeBytes, logger: logger}
}

// Fetch opens an in-order byte stream over [start, end] of the object.
// The stream is finite and not restartable; any worker failure, including a
// short read before end of object, aborts the whole stream. Callers own the
// clients for the lifetime of the returned reader and release them after
// Close.
func (e *Engine) Fetch(ctx context.Context, clients []ports.FetchClient, ref domain.ContainerRef, loc domain.ObjectLocator, size, start, end int64) io.ReadCloser {
	total := end - start + 1
	if total <= 0 {
		return io.NopCloser(&emptyReader{})
	}
	if len(clients) == 0 {
		return &errReader{err: domain.ErrNoUsableClient}
	}

	alignedStart, _, skip := Align(start, total, size, ModeStream)
	chunkSize := ChunkSize(e.stripeBytes, size, ModeStream)
	totalAligned := total + skip
	numChunks := int((totalAligned + chunkSize - 1) / chunkSize)

	fetchCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		results: make(map[int][]byte, len(clients)*2),
		num:     numChunks,
		skip:    skip,
		remain:  total,
		cancel:  cancel,
	}
	s.cond = sync.NewCond(&s.mu)

	// One sentinel per worker so every worker drains to a clean exit.
	queue := make(chan int, numChunks+len(clients))
	for i := 0; i < numChunks; i++ {
		queue <- i
	}
	for range clients {
		queue <- -1
	}

	g, workerCtx := errgroup.WithContext(fetchCtx)
	for _, client := range clients {
		client := client
		g.Go(func() error {
			return e.runWorker(workerCtx, client, ref, loc, s, queue, alignedStart, chunkSize, size, totalAligned)
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			s.fail(err)
			cancel()
		}
	}()

	return s
}

// runWorker resolves its own object handle once (backend file handles go
// stale, so each worker refreshes from the locator), then drains the chunk
// queue.
func (e *Engine) runWorker(ctx context.Context, client ports.FetchClient, ref domain.ContainerRef, loc domain.ObjectLocator, s *stream, queue chan int, alignedStart, chunkSize, size, totalAligned int64) error {
	handle, err := client.ObjectHandle(ctx, ref, loc)
	if err != nil {
		metrics.FetchWorkerErrorsTotal.Inc()
		return fmt.Errorf("resolve handle via %s: %w", client.ID(), err)
	}
	if handle.Size > 0 {
		size = handle.Size
	}

	for {
		var idx int
		select {
		case <-ctx.Done():
			return ctx.Err()
		case idx = <-queue:
		}
		if idx < 0 {
			return nil
		}

		chunk, err := e.fetchChunk(ctx, client, handle, idx, alignedStart, chunkSize, size, totalAligned)
		if err != nil {
			metrics.FetchWorkerErrorsTotal.Inc()
			return fmt.Errorf("chunk %d via %s: %w", idx, client.ID(), err)
		}
		metrics.FetchChunksTotal.Inc()
		s.publish(idx, chunk)
	}
}

func (e *Engine) fetchChunk(ctx context.Context, client ports.FetchClient, handle ports.ObjectHandle, idx int, alignedStart, chunkSize, size, totalAligned int64) ([]byte, error) {
	offset := alignedStart + int64(idx)*chunkSize

	// Expected payload: a full chunk, clipped by the aligned window and by
	// the end of the object itself.
	expected := chunkSize
	if rest := totalAligned - int64(idx)*chunkSize; rest < expected {
		expected = rest
	}
	if size > 0 {
		if avail := size - offset; avail < expected {
			expected = avail
		}
	}
	if expected <= 0 {
		return nil, nil
	}

	rc, err := client.RangeRead(ctx, handle, offset, chunkSize)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, expected)
	n, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if int64(n) < expected {
		// Fewer bytes than the object has at this offset: corrupt transfer,
		// never silently tolerated.
		return nil, fmt.Errorf("%w: offset %d got %d of %d", domain.ErrShortRead, offset, n, expected)
	}
	return buf, nil
}

// stream is the reorder buffer: workers publish chunks by index, Read
// delivers them in ascending index order.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	results map[int][]byte
	err     error
	closed  bool

	num    int
	next   int
	skip   int64
	remain int64
	buf    []byte

	cancel context.CancelFunc
}

func (s *stream) publish(idx int, chunk []byte) {
	s.mu.Lock()
	s.results[idx] = chunk
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *stream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		chunk, err := s.nextChunk()
		if err != nil {
			return 0, err
		}
		if chunk == nil {
			return 0, io.EOF
		}
		s.buf = chunk
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// nextChunk blocks until the next in-order chunk is available, trims the
// alignment prefix off chunk 0 and clips the tail to the requested length.
// Returns nil at end of range.
func (s *stream) nextChunk() ([]byte, error) {
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return nil, errStreamClosed
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.next >= s.num || s.remain <= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		if chunk, ok := s.results[s.next]; ok {
			delete(s.results, s.next)
			idx := s.next
			s.next++

			if idx == 0 && s.skip > 0 {
				if int64(len(chunk)) <= s.skip {
					chunk = nil
				} else {
					chunk = chunk[s.skip:]
				}
			}
			if int64(len(chunk)) > s.remain {
				chunk = chunk[:s.remain]
			}
			s.remain -= int64(len(chunk))
			s.mu.Unlock()
			if len(chunk) == 0 {
				return s.nextChunk()
			}
			return chunk, nil
		}
		s.cond.Wait()
	}
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.cancel()
	return nil
}

var errStreamClosed = errors.New("fetch stream closed")

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
func (r *errReader) Close() error             { return nil }
