package ports

import (
	"context"

	"mediastream/internal/domain"
)

type ObjectRepository interface {
	Get(ctx context.Context, id domain.ObjectID) (domain.RemoteObject, error)
	List(ctx context.Context, limit int) ([]domain.RemoteObject, error)
	// UpdateSize persists a size correction discovered by the live probe.
	UpdateSize(ctx context.Context, id domain.ObjectID, size int64) error
}

type ProgressRepository interface {
	Upsert(ctx context.Context, p domain.PlaybackPosition) error
	Get(ctx context.Context, viewer string, id domain.ObjectID) (domain.PlaybackPosition, error)
	ListRecent(ctx context.Context, viewer string, limit int) ([]domain.PlaybackPosition, error)
}
