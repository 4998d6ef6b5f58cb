package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

func patternData(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*31 + 7)
	}
	return buf
}

func testLoc() domain.ObjectLocator {
	return domain.ObjectLocator{MessageID: 42, FileID: "remote-file"}
}

// failClient errors on every range read.
type failClient struct {
	stubClient
}

func (c *failClient) RangeRead(ctx context.Context, handle ports.ObjectHandle, offset, limit int64) (io.ReadCloser, error) {
	return nil, errors.New("flood wait")
}

// truncClient reports the full object size but returns short bodies.
type truncClient struct {
	stubClient
	declaredSize int64
}

func (c *truncClient) ObjectHandle(ctx context.Context, ref domain.ContainerRef, loc domain.ObjectLocator) (ports.ObjectHandle, error) {
	return ports.ObjectHandle{FileID: "handle-" + c.id, Size: c.declaredSize}, nil
}

func TestFetchReassemblesRange(t *testing.T) {
	data := patternData(3 << 20)
	start, end := int64(100_000), int64(2_500_000)

	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			clients := make([]ports.FetchClient, workers)
			for i := range clients {
				clients[i] = &stubClient{id: fmt.Sprintf("c%d", i), data: data}
			}
			engine := NewEngine(64<<10, quietLogger())

			rc := engine.Fetch(context.Background(), clients, testRef(), testLoc(), int64(len(data)), start, end)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			want := data[start : end+1]
			if int64(len(got)) != end-start+1 {
				t.Fatalf("got %d bytes, want %d", len(got), end-start+1)
			}
			if !bytes.Equal(got, want) {
				t.Fatal("reassembled bytes differ from source")
			}
		})
	}
}

func TestFetchFullObject(t *testing.T) {
	data := patternData(1 << 20)
	clients := []ports.FetchClient{
		&stubClient{id: "a", data: data},
		&stubClient{id: "b", data: data},
	}
	engine := NewEngine(128<<10, quietLogger())

	rc := engine.Fetch(context.Background(), clients, testRef(), testLoc(), int64(len(data)), 0, int64(len(data))-1)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("full fetch differs from source")
	}
}

func TestFetchEmptyRange(t *testing.T) {
	engine := NewEngine(0, quietLogger())
	clients := []ports.FetchClient{&stubClient{id: "a", data: patternData(1024)}}

	rc := engine.Fetch(context.Background(), clients, testRef(), testLoc(), 1024, 10, 9)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes from an empty range", len(got))
	}
}

func TestFetchNoClients(t *testing.T) {
	engine := NewEngine(0, quietLogger())

	rc := engine.Fetch(context.Background(), nil, testRef(), testLoc(), 1024, 0, 1023)
	defer rc.Close()

	_, err := io.ReadAll(rc)
	if !errors.Is(err, domain.ErrNoUsableClient) {
		t.Fatalf("err = %v, want ErrNoUsableClient", err)
	}
}

func TestFetchWorkerErrorAbortsStream(t *testing.T) {
	engine := NewEngine(64<<10, quietLogger())
	clients := []ports.FetchClient{&failClient{stubClient{id: "bad"}}}

	rc := engine.Fetch(context.Background(), clients, testRef(), testLoc(), 1<<20, 0, (1<<20)-1)
	defer rc.Close()

	if _, err := io.ReadAll(rc); err == nil {
		t.Fatal("ReadAll succeeded, want worker error")
	}
}

func TestFetchShortReadDetected(t *testing.T) {
	declared := int64(1 << 20)
	short := &truncClient{
		stubClient:   stubClient{id: "trunc", data: patternData(300_000)},
		declaredSize: declared,
	}
	engine := NewEngine(64<<10, quietLogger())

	rc := engine.Fetch(context.Background(), []ports.FetchClient{short}, testRef(), testLoc(), declared, 0, declared-1)
	defer rc.Close()

	_, err := io.ReadAll(rc)
	if !errors.Is(err, domain.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestFetchCloseStopsStream(t *testing.T) {
	data := patternData(1 << 20)
	engine := NewEngine(64<<10, quietLogger())
	clients := []ports.FetchClient{&stubClient{id: "a", data: data}}

	rc := engine.Fetch(context.Background(), clients, testRef(), testLoc(), int64(len(data)), 0, int64(len(data))-1)
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rc.Read(make([]byte, 64)); err == nil {
		t.Fatal("Read succeeded after Close")
	}
}
