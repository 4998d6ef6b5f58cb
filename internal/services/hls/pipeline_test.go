package hls

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/services/cache"
	"mediastream/internal/services/fetch"
)

// ---------------------------------------------------------------------------
// fakes and helpers
// ---------------------------------------------------------------------------

type fakeClient struct {
	id   string
	data []byte
}

func (c *fakeClient) ID() string      { return c.id }
func (c *fakeClient) Connected() bool { return true }

func (c *fakeClient) ProbeAccess(ctx context.Context, ref domain.ContainerRef) bool { return true }

func (c *fakeClient) ObjectHandle(ctx context.Context, ref domain.ContainerRef, loc domain.ObjectLocator) (ports.ObjectHandle, error) {
	return ports.ObjectHandle{FileID: "handle-" + c.id, Size: int64(len(c.data))}, nil
}

func (c *fakeClient) RangeRead(ctx context.Context, handle ports.ObjectHandle, offset, limit int64) (io.ReadCloser, error) {
	size := int64(len(c.data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := size
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return io.NopCloser(bytes.NewReader(c.data[offset:end])), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranscoder stands in for ffmpeg: it classifies each invocation by its
// argument shape and writes the playlist the real binary would.
type fakeTranscoder struct {
	mu    sync.Mutex
	calls []string

	failLadder bool
	failCopy   bool
	failAll    bool

	// gate, when set, blocks every invocation until closed.
	gate chan struct{}
}

func (f *fakeTranscoder) run(ctx context.Context, bin string, args []string) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	strategy := "transcode"
	if slices.Contains(args, "-master_pl_name") {
		strategy = "ladder"
	} else if slices.Contains(args, "copy") {
		strategy = "copy"
	}

	f.mu.Lock()
	f.calls = append(f.calls, strategy)
	f.mu.Unlock()

	if f.failAll {
		return errors.New("ffmpeg exploded")
	}
	switch strategy {
	case "ladder":
		if f.failLadder {
			return errors.New("filter graph error")
		}
		return os.WriteFile(filepath.Join(outputDir(args), "master.m3u8"), []byte("#EXTM3U\n"), 0o644)
	case "copy":
		if f.failCopy {
			return errors.New("incompatible codec")
		}
	}
	return os.WriteFile(filepath.Join(outputDir(args), "index.m3u8"), []byte("#EXTM3U\n"), 0o644)
}

// outputDir recovers the job workspace from the trailing playlist argument.
func outputDir(args []string) string {
	out := args[len(args)-1]
	dir := filepath.Dir(out)
	for filepath.Base(dir) == "v%v" {
		dir = filepath.Dir(dir)
	}
	return dir
}

func (f *fakeTranscoder) strategies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(t *testing.T, ft *fakeTranscoder, clients ...ports.FetchClient) (*Manager, *cache.Store) {
	t.Helper()
	pool := fetch.NewPool(clients, nil, quietLogger())
	store := cache.NewStore(cache.Options{
		Root:     t.TempDir(),
		MaxBytes: 1 << 30,
		Enabled:  true,
	}, pool, quietLogger())
	if err := store.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(store.Close)

	m := NewManager(Config{
		FFMPEGPath:        fakeBinary(t),
		FFProbePath:       filepath.Join(t.TempDir(), "no-ffprobe-here"),
		SourceWaitTimeout: time.Second,
	}, store, quietLogger())
	m.run = ft.run
	t.Cleanup(m.Close)
	return m, store
}

func videoObject(id string, size int64) domain.RemoteObject {
	return domain.RemoteObject{
		ID:        domain.ObjectID(id),
		Name:      id + ".mkv",
		Size:      size,
		MimeType:  "video/x-matroska",
		Container: domain.ContainerRef{ChatID: "-1001"},
		Locator:   domain.ObjectLocator{MessageID: 3, FileID: "remote-" + id},
	}
}

func cacheObject(t *testing.T, store *cache.Store, obj domain.RemoteObject) {
	t.Helper()
	data := make([]byte, obj.Size)
	for i := range data {
		data[i] = byte(i)
	}
	path := store.PathFor(obj.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func ensureAndWait(t *testing.T, m *Manager, obj domain.RemoteObject) error {
	t.Helper()
	done := make(chan error, 1)
	m.OnJobDone = func(id domain.ObjectID, err error) { done <- err }

	m.Ensure(obj)

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("transcode job did not finish")
		return nil
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestEnsureSkipsNonVideo(t *testing.T) {
	ft := &fakeTranscoder{}
	m, _ := newTestManager(t, ft)

	obj := videoObject("doc-1", 100)
	obj.Name = "report.pdf"
	obj.MimeType = "application/pdf"
	m.Ensure(obj)

	if m.Running(obj.ID) {
		t.Error("job started for a non-video object")
	}
	if len(ft.strategies()) != 0 {
		t.Error("transcoder invoked for a non-video object")
	}
}

func TestEnsureBuildsLadderFromCachedSource(t *testing.T) {
	ft := &fakeTranscoder{}
	m, store := newTestManager(t, ft)
	obj := videoObject("vid-1", 5000)
	cacheObject(t, store, obj)

	if err := ensureAndWait(t, m, obj); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if got := ft.strategies(); len(got) != 1 || got[0] != "ladder" {
		t.Fatalf("strategies = %v, want [ladder]", got)
	}
	if !m.Ready(obj.ID) {
		t.Fatal("playlist not ready after successful job")
	}
	if got, want := m.URLFor(obj.ID), "/hls/vid-1/master.m3u8"; got != want {
		t.Errorf("URLFor = %q, want %q", got, want)
	}
}

func TestBuildFallsBackThroughStrategies(t *testing.T) {
	ft := &fakeTranscoder{failLadder: true, failCopy: true}
	m, store := newTestManager(t, ft)
	obj := videoObject("vid-1", 5000)
	cacheObject(t, store, obj)

	if err := ensureAndWait(t, m, obj); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	want := []string{"ladder", "copy", "transcode"}
	if got := ft.strategies(); !slices.Equal(got, want) {
		t.Fatalf("strategies = %v, want %v", got, want)
	}
	if got, want := m.URLFor(obj.ID), "/hls/vid-1/index.m3u8"; got != want {
		t.Errorf("URLFor = %q, want %q", got, want)
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTranscoder{gate: gate}
	m, store := newTestManager(t, ft)
	obj := videoObject("vid-1", 5000)
	cacheObject(t, store, obj)

	done := make(chan error, 2)
	m.OnJobDone = func(id domain.ObjectID, err error) { done <- err }

	m.Ensure(obj)
	m.Ensure(obj) // in-flight, must not start a second job

	if !m.Running(obj.ID) {
		t.Fatal("job not reported as running")
	}
	close(gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("job failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	select {
	case <-done:
		t.Fatal("a second job ran for the same object")
	case <-time.After(100 * time.Millisecond):
	}
	if m.Running(obj.ID) {
		t.Error("job still reported as running after completion")
	}
}

func TestEnsureSkipsWhenAlreadyReady(t *testing.T) {
	ft := &fakeTranscoder{}
	m, store := newTestManager(t, ft)
	obj := videoObject("vid-1", 5000)

	dir := store.HLSDir(obj.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m.Ensure(obj)

	if m.Running(obj.ID) {
		t.Error("job started for an already transcoded object")
	}
	if len(ft.strategies()) != 0 {
		t.Error("transcoder invoked for an already transcoded object")
	}
}

func TestJobFailureLeavesNothingBehind(t *testing.T) {
	ft := &fakeTranscoder{failAll: true}
	m, store := newTestManager(t, ft)
	obj := videoObject("vid-1", 5000)
	cacheObject(t, store, obj)

	if err := ensureAndWait(t, m, obj); err == nil {
		t.Fatal("job reported success despite a failing transcoder")
	}
	if m.Ready(obj.ID) {
		t.Error("failed job left a playlist behind")
	}
	if m.Running(obj.ID) {
		t.Error("failed job still reported as running")
	}
}

func TestBuildDownloadsAndBackfillsCache(t *testing.T) {
	data := make([]byte, 300_000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	client := &fakeClient{id: "a", data: data}
	ft := &fakeTranscoder{}
	m, store := newTestManager(t, ft, client)
	obj := videoObject("vid-1", int64(len(data)))

	if err := ensureAndWait(t, m, obj); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	source, err := os.ReadFile(filepath.Join(store.HLSDir(obj.ID), "source"))
	if err != nil {
		t.Fatalf("source missing: %v", err)
	}
	if !bytes.Equal(source, data) {
		t.Fatal("downloaded source differs from backend data")
	}
	if !store.IsCached(obj.ID, obj.Size) {
		t.Error("direct download not backfilled into the cache")
	}
}

func TestReadyWithoutAnyPlaylist(t *testing.T) {
	ft := &fakeTranscoder{}
	m, _ := newTestManager(t, ft)

	if m.Ready("vid-1") {
		t.Error("Ready true with no playlist on disk")
	}
}
