// Package mongostore is a session.Store backed by a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/m3rciful/convobot/core/config"
	"github.com/m3rciful/convobot/core/logger"
	"github.com/m3rciful/convobot/core/session"
)

type document struct {
	ID           string    `bson:"_id"`
	BotID        int64     `bson:"bot_id"`
	UserID       int64     `bson:"user_id"`
	ChatID       int64     `bson:"chat_id"`
	Payload      []byte    `bson:"payload"`
	Version      int64     `bson:"version"`
	LastActivity time.Time `bson:"last_activity"`
}

// Store keeps one document per session key.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	ttl    time.Duration
	now    func() time.Time
}

var _ session.Store = (*Store)(nil)

// Connect dials cfg.URI and returns a store over cfg.Database/cfg.Collection.
func Connect(ctx context.Context, cfg config.MongoConfig, ttl time.Duration) (*Store, error) {
	start := time.Now()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping error: %w", err)
	}
	logger.Info(ctx, "db", "mongo.connect",
		slog.String("db", cfg.Database),
		slog.String("collection", cfg.Collection),
		slog.Duration("duration", logger.Took(start)),
	)
	return New(client, client.Database(cfg.Database).Collection(cfg.Collection), ttl), nil
}

// New wraps an existing collection.
func New(client *mongo.Client, coll *mongo.Collection, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &Store{client: client, coll: coll, ttl: ttl, now: time.Now}
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Get loads the session for key, returning a fresh idle one when absent or expired.
func (s *Store) Get(ctx context.Context, key session.Key) (*session.Session, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return session.New(key), nil
	}
	if err != nil {
		return nil, session.Unavailable("mongodb find", err)
	}
	sess, err := session.Unmarshal(key, doc.Payload)
	if err != nil {
		return nil, err
	}
	sess.Version = doc.Version
	sess.LastActivity = doc.LastActivity
	if sess.Expired(s.now(), s.ttl) {
		return session.Fresh(key, doc.Version), nil
	}
	return sess, nil
}

// Put writes sess if the stored version equals expectedVersion.
func (s *Store) Put(ctx context.Context, key session.Key, sess *session.Session, expectedVersion int64) error {
	now := s.now().UTC()
	sess.Key = key
	sess.LastActivity = now
	payload, err := session.Marshal(sess)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		_, err := s.coll.InsertOne(ctx, document{
			ID:           key.String(),
			BotID:        key.BotID,
			UserID:       key.UserID,
			ChatID:       key.ChatID,
			Payload:      payload,
			Version:      1,
			LastActivity: now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("session %s at version 0: %w", key, session.ErrConflict)
		}
		if err != nil {
			return session.Unavailable("mongodb insert", err)
		}
		sess.Version = 1
		return nil
	}

	filter := bson.D{{Key: "_id", Value: key.String()}, {Key: "version", Value: expectedVersion}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "payload", Value: payload}, {Key: "last_activity", Value: now}}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return session.Unavailable("mongodb update", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session %s at version %d: %w", key, expectedVersion, session.ErrConflict)
	}
	sess.Version = expectedVersion + 1
	return nil
}

// Delete removes the document for key.
func (s *Store) Delete(ctx context.Context, key session.Key) error {
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key.String()}}); err != nil {
		return session.Unavailable("mongodb delete", err)
	}
	return nil
}

// EnsureIndexes creates the last_activity index used by Sweep.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "last_activity", Value: 1}}})
	if err != nil {
		return session.Unavailable("mongodb index", err)
	}
	return nil
}

// Sweep deletes documents idle for longer than the TTL.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).UTC()
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "last_activity", Value: bson.D{{Key: "$lt", Value: cutoff}}}})
	if err != nil {
		return 0, session.Unavailable("mongodb sweep", err)
	}
	return res.DeletedCount, nil
}
