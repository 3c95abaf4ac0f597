package blob

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// mongoDocument is the stored shape: one row per document id.
type mongoDocument struct {
	ID        string             `bson:"_id"`
	Data      primitive.Binary   `bson:"data"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// MongoStore keeps document binaries in a single MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore creates a store over the given database and collection.
func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoStore, error) {
	coll := client.Database(database).Collection(collection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &MongoStore{
		collection: coll,
		logger:     logger,
	}, nil
}

// Upload writes the binary for a document, replacing any previous one.
func (s *MongoStore) Upload(ctx context.Context, docID string, data []byte) error {
	doc := mongoDocument{
		ID:        docID,
		Data:      primitive.Binary{Data: data},
		UpdatedAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": docID}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to upload document binary: %w", err)
	}

	s.logger.Debug("Document binary uploaded",
		zap.String("document_id", docID),
		zap.Int("size", len(data)))
	return nil
}

// Download returns the binary for a document, or ErrNotFound.
func (s *MongoStore) Download(ctx context.Context, docID string) ([]byte, error) {
	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download document binary: %w", err)
	}
	return doc.Data.Data, nil
}

// Close releases the store. The Mongo client is owned by the caller.
func (s *MongoStore) Close() error {
	return nil
}
