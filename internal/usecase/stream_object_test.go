package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
	"mediastream/internal/services/cache"
	"mediastream/internal/services/fetch"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeClient struct {
	id        string
	data      []byte
	connected bool
	denied    bool

	mu        sync.Mutex
	failFirst int64 // first stream aborts after this many bytes when > 0
	reads     int
}

func newFakeClient(id string, data []byte) *fakeClient {
	return &fakeClient{id: id, data: data, connected: true}
}

func (c *fakeClient) ID() string      { return c.id }
func (c *fakeClient) Connected() bool { return c.connected }

func (c *fakeClient) ProbeAccess(context.Context, domain.ContainerRef) bool {
	return !c.denied
}

func (c *fakeClient) ObjectHandle(context.Context, domain.ContainerRef, domain.ObjectLocator) (ports.ObjectHandle, error) {
	return ports.ObjectHandle{FileID: "handle-" + c.id, Size: int64(len(c.data))}, nil
}

func (c *fakeClient) RangeRead(_ context.Context, _ ports.ObjectHandle, offset, limit int64) (io.ReadCloser, error) {
	if offset < 0 || offset >= int64(len(c.data)) {
		return nil, fmt.Errorf("offset %d out of bounds", offset)
	}
	end := int64(len(c.data))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	body := c.data[offset:end]

	c.mu.Lock()
	c.reads++
	first := c.reads == 1
	cut := c.failFirst
	c.mu.Unlock()

	if first && cut > 0 {
		if cut > int64(len(body)) {
			cut = int64(len(body))
		}
		return io.NopCloser(io.MultiReader(
			bytes.NewReader(body[:cut]),
			&failingReader{},
		)), nil
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

type fakeRepo struct {
	objects map[domain.ObjectID]domain.RemoteObject

	mu          sync.Mutex
	sizeUpdates map[domain.ObjectID]int64
}

func newFakeRepo(objs ...domain.RemoteObject) *fakeRepo {
	r := &fakeRepo{
		objects:     make(map[domain.ObjectID]domain.RemoteObject),
		sizeUpdates: make(map[domain.ObjectID]int64),
	}
	for _, o := range objs {
		r.objects[o.ID] = o
	}
	return r
}

func (r *fakeRepo) Get(_ context.Context, id domain.ObjectID) (domain.RemoteObject, error) {
	obj, ok := r.objects[id]
	if !ok {
		return domain.RemoteObject{}, domain.ErrNotFound
	}
	return obj, nil
}

func (r *fakeRepo) List(context.Context, int) ([]domain.RemoteObject, error) {
	out := make([]domain.RemoteObject, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	return out, nil
}

func (r *fakeRepo) UpdateSize(_ context.Context, id domain.ObjectID, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[id]; !ok {
		return domain.ErrNotFound
	}
	r.sizeUpdates[id] = size
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testObject(size int64) domain.RemoteObject {
	return domain.RemoteObject{
		ID:       "obj-1",
		Name:     "movie.mkv",
		Size:     size,
		MimeType: "video/x-matroska",
		Container: domain.ContainerRef{
			ChatID: "-100123",
		},
		Locator: domain.ObjectLocator{MessageID: 1, FileID: "f1"},
	}
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i>>8)
	}
	return data
}

func newUsecase(repo ports.ObjectRepository, store *cache.Store, clients ...ports.FetchClient) *StreamObject {
	pool := fetch.NewPool(clients, nil, quietLogger())
	return &StreamObject{
		Repo:    repo,
		Pool:    pool,
		Engine:  fetch.NewEngine(64<<10, quietLogger()),
		Cache:   store,
		Workers: len(clients),
		Logger:  quietLogger(),
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolveNotFound(t *testing.T) {
	uc := newUsecase(newFakeRepo(), nil, newFakeClient("a", nil))
	_, err := uc.Resolve(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveFolderNotStreamable(t *testing.T) {
	obj := testObject(100)
	obj.IsFolder = true
	uc := newUsecase(newFakeRepo(obj), nil, newFakeClient("a", nil))
	_, err := uc.Resolve(context.Background(), obj.ID)
	if !errors.Is(err, ErrNotStreamable) {
		t.Fatalf("expected ErrNotStreamable, got %v", err)
	}
}

func TestResolveKeepsKnownSize(t *testing.T) {
	obj := testObject(4096)
	repo := newFakeRepo(obj)
	uc := newUsecase(repo, nil, newFakeClient("a", patternData(8192)))

	got, err := uc.Resolve(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Size != 4096 {
		t.Errorf("size: got %d, want 4096", got.Size)
	}
	if len(repo.sizeUpdates) != 0 {
		t.Errorf("unexpected size write-back: %v", repo.sizeUpdates)
	}
}

func TestResolveProbesMissingSize(t *testing.T) {
	data := patternData(128 << 10)
	obj := testObject(0)
	repo := newFakeRepo(obj)
	uc := newUsecase(repo, nil, newFakeClient("a", data))

	got, err := uc.Resolve(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Size != int64(len(data)) {
		t.Errorf("size: got %d, want %d", got.Size, len(data))
	}
	if repo.sizeUpdates[obj.ID] != int64(len(data)) {
		t.Errorf("write-back: got %d, want %d", repo.sizeUpdates[obj.ID], len(data))
	}
}

func TestResolveFallbackChat(t *testing.T) {
	obj := testObject(4096)
	obj.Container.ChatID = ""
	uc := newUsecase(newFakeRepo(obj), nil, newFakeClient("a", nil))
	uc.FallbackChat = "-100999"

	got, err := uc.Resolve(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Container.ChatID != "-100999" {
		t.Errorf("chat id: got %q, want -100999", got.Container.ChatID)
	}
}

// ---------------------------------------------------------------------------
// Open strategy selection
// ---------------------------------------------------------------------------

func newTestStore(t *testing.T, clients ...ports.FetchClient) *cache.Store {
	t.Helper()
	store := cache.NewStore(cache.Options{
		Root:     t.TempDir(),
		MaxBytes: 1 << 30,
		Enabled:  true,
	}, fetch.NewPool(clients, nil, quietLogger()), quietLogger())
	if err := store.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestOpenServesFromCache(t *testing.T) {
	data := patternData(100_000)
	obj := testObject(int64(len(data)))
	store := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(store.PathFor(obj.ID)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.PathFor(obj.ID), data, 0o644); err != nil {
		t.Fatal(err)
	}

	uc := newUsecase(newFakeRepo(obj), store, newFakeClient("a", data))
	res, err := uc.Open(context.Background(), obj, 1000, 2000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	if res.Source != SourceCache {
		t.Fatalf("source: got %q, want %q", res.Source, SourceCache)
	}
	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data[1000:2001]) {
		t.Errorf("payload mismatch: got %d bytes", len(got))
	}
}

func TestOpenParallelWithTwoClients(t *testing.T) {
	data := patternData(3 << 20)
	obj := testObject(int64(len(data)))
	uc := newUsecase(newFakeRepo(obj), nil,
		newFakeClient("a", data),
		newFakeClient("b", data),
		newFakeClient("c", data),
	)

	start, end := int64(100_000), int64(2_500_000)
	res, err := uc.Open(context.Background(), obj, start, end)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	if res.Source != SourceParallel {
		t.Fatalf("source: got %q, want %q", res.Source, SourceParallel)
	}
	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if int64(len(got)) != end-start+1 {
		t.Fatalf("length: got %d, want %d", len(got), end-start+1)
	}
	if !bytes.Equal(got, data[start:end+1]) {
		t.Errorf("payload mismatch")
	}
}

func TestOpenSingleClientSequential(t *testing.T) {
	data := patternData(300_000)
	obj := testObject(int64(len(data)))
	uc := newUsecase(newFakeRepo(obj), nil, newFakeClient("a", data))

	res, err := uc.Open(context.Background(), obj, 12345, 200_000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	if res.Source != SourceDirect {
		t.Fatalf("source: got %q, want %q", res.Source, SourceDirect)
	}
	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data[12345:200_001]) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(got), 200_001-12345)
	}
}

func TestOpenSequentialResumesAfterMidStreamFailure(t *testing.T) {
	data := patternData(500_000)
	obj := testObject(int64(len(data)))
	client := newFakeClient("a", data)
	client.failFirst = 64 << 10

	uc := newUsecase(newFakeRepo(obj), nil, client)
	res, err := uc.Open(context.Background(), obj, 0, int64(len(data))-1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read after resume: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("payload mismatch after resume: got %d bytes, want %d", len(got), len(data))
	}
	if client.reads < 2 {
		t.Errorf("expected a reopen, got %d reads", client.reads)
	}
}

func TestOpenNoUsableClients(t *testing.T) {
	obj := testObject(1000)
	disconnected := newFakeClient("a", nil)
	disconnected.connected = false
	uc := newUsecase(newFakeRepo(obj), nil, disconnected)

	_, err := uc.Open(context.Background(), obj, 0, 999)
	if !errors.Is(err, domain.ErrNoUsableClient) {
		t.Fatalf("expected ErrNoUsableClient, got %v", err)
	}
}

func TestOpenSkipsClientsWithoutAccess(t *testing.T) {
	data := patternData(200_000)
	obj := testObject(int64(len(data)))
	denied := newFakeClient("a", data)
	denied.denied = true
	allowed := newFakeClient("b", data)

	uc := newUsecase(newFakeRepo(obj), nil, denied, allowed)
	res, err := uc.Open(context.Background(), obj, 0, 99_999)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	if res.Source != SourceDirect {
		t.Fatalf("source: got %q, want %q", res.Source, SourceDirect)
	}
	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data[:100_000]) {
		t.Errorf("payload mismatch")
	}
}

func TestOpenClampsEndToObjectSize(t *testing.T) {
	data := patternData(10_000)
	obj := testObject(int64(len(data)))
	uc := newUsecase(newFakeRepo(obj), nil, newFakeClient("a", data))

	res, err := uc.Open(context.Background(), obj, 9_000, 99_999)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Reader.Close()

	got, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1000 {
		t.Errorf("length: got %d, want 1000", len(got))
	}
}
