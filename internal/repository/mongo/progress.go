package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mediastream/internal/domain"
)

type progressDoc struct {
	ID        string  `bson:"_id"`
	Viewer    string  `bson:"viewer"`
	ObjectID  string  `bson:"objectId"`
	Position  float64 `bson:"position"`
	Duration  float64 `bson:"duration"`
	UpdatedAt int64   `bson:"updatedAt"`
}

type ProgressRepository struct {
	collection *mongo.Collection
}

func NewProgressRepository(client *mongo.Client, dbName string) *ProgressRepository {
	return &ProgressRepository{collection: client.Database(dbName).Collection("progress")}
}

func (r *ProgressRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "viewer", Value: 1}, {Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func progressKey(viewer string, id domain.ObjectID) string {
	return viewer + ":" + string(id)
}

func (r *ProgressRepository) Upsert(ctx context.Context, pos domain.PlaybackPosition) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"viewer":    pos.Viewer,
			"objectId":  string(pos.ObjectID),
			"position":  pos.Position,
			"duration":  pos.Duration,
			"updatedAt": now.Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": progressKey(pos.Viewer, pos.ObjectID)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *ProgressRepository) Get(ctx context.Context, viewer string, id domain.ObjectID) (domain.PlaybackPosition, error) {
	var doc progressDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": progressKey(viewer, id)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.PlaybackPosition{}, domain.ErrNotFound
		}
		return domain.PlaybackPosition{}, err
	}
	return fromProgressDoc(doc), nil
}

func (r *ProgressRepository) ListRecent(ctx context.Context, viewer string, limit int) ([]domain.PlaybackPosition, error) {
	if limit <= 0 {
		limit = 50
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{"viewer": viewer}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []domain.PlaybackPosition
	for cursor.Next(ctx) {
		var doc progressDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromProgressDoc(doc))
	}
	return out, cursor.Err()
}

func fromProgressDoc(doc progressDoc) domain.PlaybackPosition {
	return domain.PlaybackPosition{
		Viewer:    doc.Viewer,
		ObjectID:  domain.ObjectID(doc.ObjectID),
		Position:  doc.Position,
		Duration:  doc.Duration,
		UpdatedAt: time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}
