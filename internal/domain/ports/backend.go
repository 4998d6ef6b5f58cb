package ports

import (
	"context"
	"io"

	"mediastream/internal/domain"
)

// ObjectHandle is a resolved per-session reference to the bytes behind a
// message attachment. Handles can expire; callers re-resolve them from the
// container and locator rather than caching them across operations.
type ObjectHandle struct {
	FileID string
	Size   int64
}

// FetchClient is one backend connection capable of ranged reads. A client
// may be used by at most one task at a time; the pool enforces this with a
// non-blocking guard, so implementations do not need internal locking
// around reads.
type FetchClient interface {
	// ID is stable per underlying connection and used for dedup.
	ID() string

	// Connected reports whether the client is currently usable at all.
	// Disconnected clients are skipped without probing.
	Connected() bool

	// ProbeAccess reports whether this client can see the container.
	// Failures of any kind mean "not usable here", never an error.
	ProbeAccess(ctx context.Context, ref domain.ContainerRef) bool

	// ObjectHandle resolves the message into a fresh file handle.
	ObjectHandle(ctx context.Context, ref domain.ContainerRef, loc domain.ObjectLocator) (ObjectHandle, error)

	// RangeRead opens a byte-range read. Offset and limit must be aligned
	// to the backend quantum for the object size; see fetch.Align.
	// limit == 0 reads to end of object.
	RangeRead(ctx context.Context, handle ObjectHandle, offset, limit int64) (io.ReadCloser, error)
}
