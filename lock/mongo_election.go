package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// electionDoc is the election lock document.
type electionDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// mongoElectionBackend holds the election lock as one document per
// lock name; a TTL index on expiresAt removes abandoned locks.
type mongoElectionBackend struct {
	collection *mongo.Collection
	cfg        *ElectionConfig
}

// NewMongoElection creates a MongoDB-backed leader election on the
// `leader_locks` collection.
func NewMongoElection(db *mongo.Database, cfg *ElectionConfig) Election {
	if cfg == nil {
		cfg = DefaultElectionConfig("default-leader")
	}
	return newElection(cfg, &mongoElectionBackend{
		collection: db.Collection("leader_locks"),
		cfg:        cfg,
	})
}

func (b *mongoElectionBackend) init(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}
	if _, err := b.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		// Index may already exist with other options
		slog.Debug("Could not create election TTL index", "error", err)
	}
	return nil
}

func (b *mongoElectionBackend) tryAcquire(ctx context.Context) bool {
	now := time.Now()
	expiresAt := now.Add(b.cfg.TTL)

	// Take the lock only when it is expired or already ours
	filter := bson.M{
		"_id": b.cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": b.cfg.InstanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"instanceId": b.cfg.InstanceID,
		"acquiredAt": now,
		"expiresAt":  expiresAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc electionDoc
	err := b.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A live lock exists under another instance; the upsert
			// raced against it
			return false
		}
		if errors.Is(err, mongo.ErrNoDocuments) {
			_, insertErr := b.collection.InsertOne(ctx, electionDoc{
				ID:         b.cfg.LockName,
				InstanceID: b.cfg.InstanceID,
				AcquiredAt: now,
				ExpiresAt:  expiresAt,
			})
			if insertErr != nil {
				if !mongo.IsDuplicateKeyError(insertErr) {
					slog.Error("Failed to insert election lock", "error", insertErr)
				}
				return false
			}
			return true
		}
		slog.Error("Failed to acquire election lock", "error", err, "lockName", b.cfg.LockName)
		return false
	}
	return doc.InstanceID == b.cfg.InstanceID
}

func (b *mongoElectionBackend) refresh(ctx context.Context) bool {
	filter := bson.M{"_id": b.cfg.LockName, "instanceId": b.cfg.InstanceID}
	update := bson.M{"$set": bson.M{"expiresAt": time.Now().Add(b.cfg.TTL)}}

	res, err := b.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.Error("Failed to refresh election lock", "error", err, "lockName", b.cfg.LockName)
		return false
	}
	return res.MatchedCount > 0
}

func (b *mongoElectionBackend) release(ctx context.Context) {
	filter := bson.M{"_id": b.cfg.LockName, "instanceId": b.cfg.InstanceID}
	res, err := b.collection.DeleteOne(ctx, filter)
	if err != nil {
		slog.Error("Failed to release election lock", "error", err, "lockName", b.cfg.LockName)
		return
	}
	if res.DeletedCount > 0 {
		slog.Info("Released election lock",
			"instanceId", b.cfg.InstanceID,
			"lockName", b.cfg.LockName)
	}
}

func (b *mongoElectionBackend) leader(ctx context.Context) (LeaderInfo, error) {
	filter := bson.M{"_id": b.cfg.LockName, "expiresAt": bson.M{"$gt": time.Now()}}

	var doc electionDoc
	err := b.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LeaderInfo{}, nil
		}
		return LeaderInfo{}, err
	}
	return LeaderInfo{InstanceID: doc.InstanceID, Since: doc.AcquiredAt}, nil
}
