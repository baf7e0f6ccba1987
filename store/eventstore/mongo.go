package eventstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoEvent is the persisted document shape.
type mongoEvent struct {
	StreamID   string    `bson:"streamId"`
	Version    int64     `bson:"version"`
	Type       string    `bson:"type"`
	Data       []byte    `bson:"data"`
	OccurredAt time.Time `bson:"occurredAt"`
}

// MongoStore keeps events as one document per event with a unique
// (streamId, version) index. Concurrent appenders race on the insert;
// the unique index makes the loser fail with a duplicate key, which
// surfaces as ErrVersionConflict.
//
// Raw Version for this backend is the event count: an empty stream
// reports 0, not −1. Use IsEmpty, never compare across backends.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a Mongo-backed event store on the given
// collection and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string) (*MongoStore, error) {
	coll := db.Collection(collection)

	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "streamId", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uq_stream_version"),
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return nil, fmt.Errorf("eventstore index: %w", err)
	}
	return &MongoStore{collection: coll}, nil
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, streamID string, events []Event, expectedVersion int64) error {
	if streamID == "" {
		return fmt.Errorf("eventstore: empty stream id")
	}
	if len(events) == 0 {
		return nil
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"streamId": streamID})
	if err != nil {
		return fmt.Errorf("eventstore count: %w", err)
	}
	// The CAS check uses the same convention as the other backends:
	// expected must equal the 0-based position of the last event.
	current := count - 1
	if expectedVersion != AnyVersion && expectedVersion != current {
		return fmt.Errorf("append %s at %d (current %d): %w", streamID, expectedVersion, current, ErrVersionConflict)
	}

	docs := make([]interface{}, 0, len(events))
	for i, evt := range events {
		occurredAt := evt.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		docs = append(docs, mongoEvent{
			StreamID:   streamID,
			Version:    count + int64(i),
			Type:       evt.Type,
			Data:       evt.Data,
			OccurredAt: occurredAt,
		})
	}

	// Ordered insert: both racers number their first document from the
	// same observed count, so the loser collides on its very first
	// insert and writes nothing. Nothing to clean up on conflict; the
	// surviving documents all belong to the winner.
	_, err = s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("append %s at %d: %w", streamID, expectedVersion, ErrVersionConflict)
		}
		return fmt.Errorf("eventstore insert: %w", err)
	}
	return nil
}

// Read implements Store.
func (s *MongoStore) Read(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	if fromVersion < 0 {
		fromVersion = 0
	}
	cursor, err := s.collection.Find(ctx,
		bson.M{"streamId": streamID, "version": bson.M{"$gte": fromVersion}},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore find: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Event
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("eventstore decode: %w", err)
		}
		out = append(out, Event{
			Type:       doc.Type,
			Data:       doc.Data,
			Version:    doc.Version,
			OccurredAt: doc.OccurredAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("eventstore cursor: %w", err)
	}
	return out, nil
}

// Version implements Store. This backend family reports the event
// count, so an empty stream is 0.
func (s *MongoStore) Version(ctx context.Context, streamID string) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"streamId": streamID})
	if err != nil {
		return 0, fmt.Errorf("eventstore version: %w", err)
	}
	return count, nil
}

// IsEmpty implements Store.
func (s *MongoStore) IsEmpty(ctx context.Context, streamID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"streamId": streamID})
	if err != nil {
		return false, fmt.Errorf("eventstore count: %w", err)
	}
	return count == 0, nil
}
