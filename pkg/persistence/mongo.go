package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps history entries in a "history" collection with a unique
// (document_id, version) index. A writer reads the latest version and
// inserts the next one; losing the race surfaces as a duplicate key error
// and the writer retries, so versions stay gap-free across processes.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	history *mongo.Collection
	logger  *slog.Logger
}

// OpenMongo connects, pings and ensures indexes.
func OpenMongo(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:  client,
		db:      db,
		history: db.Collection("history"),
		logger:  logger.With("component", "mongo"),
	}

	_, err = s.history.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create history index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) latestVersion(ctx context.Context, documentID string) (int64, error) {
	var head struct {
		Version int64 `bson:"version"`
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})
	err := s.history.FindOne(ctx, bson.M{"document_id": documentID}, opts).Decode(&head)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return head.Version, nil
}

func (s *MongoStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var entry HistoryEntry
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	err := s.history.FindOne(ctx, bson.M{"document_id": documentID}, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}
	return entry.Snapshot, nil
}

func (s *MongoStore) Store(ctx context.Context, documentID string, snapshot []byte, message string) (*HistoryEntry, error) {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		head, err := s.latestVersion(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", documentID, err)
		}
		entry := newEntry(documentID, head+1, snapshot, message)
		_, err = s.history.InsertOne(ctx, entry)
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Debug("version taken by another writer, retrying", "doc", documentID, "version", entry.Version)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", documentID, err)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("store %s: %w", documentID, ErrConflict)
}

func (s *MongoStore) ListVersions(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: 1}}).
		SetProjection(bson.M{"snapshot": 0})
	cursor, err := s.history.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", documentID, err)
	}
	defer cursor.Close(ctx)

	var entries []HistoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("list versions %s: %w", documentID, err)
	}
	return entries, nil
}

func (s *MongoStore) GetVersion(ctx context.Context, documentID string, version int64) (*HistoryEntry, error) {
	var entry HistoryEntry
	err := s.history.FindOne(ctx, bson.M{"document_id": documentID, "version": version}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoVersion
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s@%d: %w", documentID, version, err)
	}
	return &entry, nil
}

func (s *MongoStore) PrevVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	if current <= 1 {
		return nil, ErrNoVersion
	}
	return s.GetVersion(ctx, documentID, current-1)
}

func (s *MongoStore) NextVersion(ctx context.Context, documentID string, current int64) (*HistoryEntry, error) {
	return s.GetVersion(ctx, documentID, current+1)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Gateway = (*MongoStore)(nil)
