package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.catga.dev/metrics"
)

// mongoOutboxRow is the persisted document shape. _id is the message
// id, so Add is naturally idempotent.
type mongoOutboxRow struct {
	ID           int64     `bson:"_id"`
	Type         string    `bson:"type"`
	Payload      []byte    `bson:"payload"`
	Status       int       `bson:"status"`
	Attempts     int       `bson:"attempts"`
	CreatedAt    time.Time `bson:"createdAt"`
	PublishedAt  time.Time `bson:"publishedAt,omitempty"`
	ClaimedUntil time.Time `bson:"claimedUntil,omitempty"`
	LastError    string    `bson:"lastError,omitempty"`
}

// MongoStore is the MongoDB-backed outbox. Claims use simple
// find + updateMany with status codes, no findOneAndUpdate loop;
// safe because only the leader's publisher polls, and the claim TTL
// covers the find/update gap against leader handover.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a Mongo-backed outbox on the given collection
// and ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string) (*MongoStore, error) {
	coll := db.Collection(collection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().
				SetName("idx_pending").
				SetPartialFilterExpression(bson.M{"status": int(StatusPending)}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimedUntil", Value: 1}},
			Options: options.Index().
				SetName("idx_claimed").
				SetPartialFilterExpression(bson.M{"status": int(StatusClaimed)}),
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("outbox indexes: %w", err)
	}
	return &MongoStore{collection: coll}, nil
}

// Add implements Store.
func (s *MongoStore) Add(ctx context.Context, msg Message) error {
	if msg.ID == 0 {
		return fmt.Errorf("outbox: zero message id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.collection.InsertOne(ctx, mongoOutboxRow{
		ID:        msg.ID,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Status:    int(StatusPending),
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil // idempotent add
		}
		return fmt.Errorf("outbox add: %w", err)
	}
	metrics.CountOutboxAdd()
	return nil
}

// GetPending implements Store.
func (s *MongoStore) GetPending(ctx context.Context, limit int, claimTTL time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{"status": int(StatusPending)}, opts)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch pending: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []mongoOutboxRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("outbox decode: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		out = append(out, Message{
			ID:        row.ID,
			Type:      row.Type,
			Payload:   row.Payload,
			Status:    StatusClaimed,
			Attempts:  row.Attempts,
			CreatedAt: row.CreatedAt,
			LastError: row.LastError,
		})
	}

	_, err = s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{
			"status":       int(StatusClaimed),
			"claimedUntil": time.Now().Add(claimTTL),
		}},
	)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	return out, nil
}

// MarkAsPublished implements Store.
func (s *MongoStore) MarkAsPublished(ctx context.Context, id int64) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"status": int(StatusPublished), "publishedAt": time.Now().UTC()},
			"$unset": bson.M{"claimedUntil": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("outbox publish %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	return nil
}

// MarkAsFailed implements Store.
func (s *MongoStore) MarkAsFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"status": int(StatusFailed), "lastError": reason},
			"$inc":   bson.M{"attempts": 1},
			"$unset": bson.M{"claimedUntil": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("outbox fail %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("outbox: message %d not found", id)
	}
	return nil
}

// ResetFailed implements Store.
func (s *MongoStore) ResetFailed(ctx context.Context, maxAttempts int) (int, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"status": int(StatusFailed), "attempts": bson.M{"$lt": maxAttempts}},
		bson.M{"$set": bson.M{"status": int(StatusPending)}},
	)
	if err != nil {
		return 0, fmt.Errorf("outbox reset failed: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ResetStuck implements Store.
func (s *MongoStore) ResetStuck(ctx context.Context) (int, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"status": int(StatusClaimed), "claimedUntil": bson.M{"$lt": time.Now()}},
		bson.M{
			"$set":   bson.M{"status": int(StatusPending)},
			"$unset": bson.M{"claimedUntil": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("outbox reset stuck: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// DeletePublishedMessages implements Store.
func (s *MongoStore) DeletePublishedMessages(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"status":      int(StatusPublished),
		"publishedAt": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return int(res.DeletedCount), nil
}

// CountPending implements Store.
func (s *MongoStore) CountPending(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": int(StatusPending)})
	if err != nil {
		return 0, fmt.Errorf("outbox count: %w", err)
	}
	return count, nil
}
