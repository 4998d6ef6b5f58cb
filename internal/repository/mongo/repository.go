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

type Repository struct {
	collection *mongo.Collection
}

type objectDoc struct {
	ID        string `bson:"_id"`
	Name      string `bson:"name"`
	Size      int64  `bson:"size"`
	MimeType  string `bson:"mimeType"`
	ChatID    string `bson:"chatId"`
	MessageID int64  `bson:"messageId"`
	FileID    string `bson:"fileId"`
	IsFolder  bool   `bson:"isFolder"`
	UpdatedAt int64  `bson:"updatedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: "text"}}},
		{Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "messageId", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *Repository) Get(ctx context.Context, id domain.ObjectID) (domain.RemoteObject, error) {
	var doc objectDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.RemoteObject{}, domain.ErrNotFound
		}
		return domain.RemoteObject{}, err
	}
	return fromDoc(doc), nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]domain.RemoteObject, error) {
	if limit <= 0 {
		limit = 200
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []domain.RemoteObject
	for cursor.Next(ctx) {
		var doc objectDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDoc(doc))
	}
	return out, cursor.Err()
}

// UpdateSize persists a size correction discovered by the live probe so
// later requests plan ranges against the real object size.
func (r *Repository) UpdateSize(ctx context.Context, id domain.ObjectID, size int64) error {
	res, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(id)},
		bson.M{"$set": bson.M{
			"size":      size,
			"updatedAt": time.Now().UTC().Unix(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func fromDoc(doc objectDoc) domain.RemoteObject {
	return domain.RemoteObject{
		ID:       domain.ObjectID(doc.ID),
		Name:     doc.Name,
		Size:     doc.Size,
		MimeType: doc.MimeType,
		Container: domain.ContainerRef{
			ChatID: doc.ChatID,
		},
		Locator: domain.ObjectLocator{
			MessageID: doc.MessageID,
			FileID:    doc.FileID,
		},
		IsFolder: doc.IsFolder,
	}
}
