package fhir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const historyCollection = "resource_history"

// MongoHistory stores resource versions in a MongoDB collection. The resource
// body is kept as its JSON text so the hashed bytes survive a round trip.
type MongoHistory struct {
	coll *mongo.Collection
}

type historyDoc struct {
	ID           string    `bson:"_id"`
	ResourceType string    `bson:"resource_type"`
	ResourceID   string    `bson:"resource_id"`
	VersionID    int       `bson:"version_id"`
	Resource     string    `bson:"resource"`
	Action       string    `bson:"action"`
	UserID       string    `bson:"user_id"`
	Timestamp    time.Time `bson:"timestamp"`
}

func NewMongoHistory(db *mongo.Database) *MongoHistory {
	return &MongoHistory{coll: db.Collection(historyCollection)}
}

// EnsureIndexes creates the unique version index.
func (s *MongoHistory) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "resource_type", Value: 1}, {Key: "resource_id", Value: 1}, {Key: "version_id", Value: -1}},
		Options: options.Index().SetUnique(true).SetName("resource_version_unique"),
	})
	if err != nil {
		return fmt.Errorf("create resource_history index: %w", err)
	}
	return nil
}

func (d *historyDoc) entry() *HistoryEntry {
	return &HistoryEntry{
		ID:           d.ID,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		VersionID:    d.VersionID,
		Resource:     []byte(d.Resource),
		Action:       d.Action,
		UserID:       d.UserID,
		Timestamp:    d.Timestamp.UTC(),
	}
}

func (s *MongoHistory) SaveVersion(ctx context.Context, entry *HistoryEntry) error {
	prepareEntry(entry)
	_, err := s.coll.InsertOne(ctx, historyDoc{
		ID:           entry.ID,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		VersionID:    entry.VersionID,
		Resource:     string(entry.Resource),
		Action:       entry.Action,
		UserID:       entry.UserID,
		Timestamp:    entry.Timestamp,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("save history version %s/%s v%d: %w", entry.ResourceType, entry.ResourceID, entry.VersionID, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("save history version: %w", err)
	}
	return nil
}

func (s *MongoHistory) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*HistoryEntry, error) {
	var doc historyDoc
	err := s.coll.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find history version: %w", err)
	}
	return doc.entry(), nil
}

func (s *MongoHistory) Latest(ctx context.Context, resourceType, resourceID string) (*HistoryEntry, error) {
	return s.findOne(ctx,
		bson.M{"resource_type": resourceType, "resource_id": resourceID},
		options.FindOne().SetSort(bson.D{{Key: "version_id", Value: -1}}))
}

func (s *MongoHistory) GetVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	return s.findOne(ctx, bson.M{"resource_type": resourceType, "resource_id": resourceID, "version_id": versionID})
}

func (s *MongoHistory) ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	filter := bson.M{"resource_type": resourceType, "resource_id": resourceID}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "version_id", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}
	defer cur.Close(ctx)

	var entries []*HistoryEntry
	for cur.Next(ctx) {
		var doc historyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, doc.entry())
	}
	return entries, int(total), cur.Err()
}
