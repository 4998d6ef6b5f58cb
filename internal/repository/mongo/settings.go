package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mediastream/internal/app"
)

const cacheSettingsID = "cache"

type cacheSettingsDoc struct {
	ID        string `bson:"_id"`
	Enabled   bool   `bson:"enabled"`
	MaxBytes  int64  `bson:"maxBytes"`
	UpdatedAt int64  `bson:"updatedAt"`
}

type CacheSettingsRepository struct {
	collection *mongo.Collection
}

func NewCacheSettingsRepository(client *mongo.Client, dbName string) *CacheSettingsRepository {
	return &CacheSettingsRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *CacheSettingsRepository) GetCacheSettings(ctx context.Context) (app.CacheSettings, bool, error) {
	var doc cacheSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": cacheSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return app.CacheSettings{}, false, nil
		}
		return app.CacheSettings{}, false, err
	}
	return app.CacheSettings{
		Enabled:  doc.Enabled,
		MaxBytes: doc.MaxBytes,
	}, true, nil
}

func (r *CacheSettingsRepository) SetCacheSettings(ctx context.Context, settings app.CacheSettings) error {
	update := bson.M{
		"$set": bson.M{
			"enabled":   settings.Enabled,
			"maxBytes":  settings.MaxBytes,
			"updatedAt": time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": cacheSettingsID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}
