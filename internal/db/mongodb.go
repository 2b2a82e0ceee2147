package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
	log      *zap.Logger
}

func NewMongoDB(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(200).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoDB{
		Client:   client,
		Database: client.Database(database),
		log:      logger.Named("mongo"),
	}, nil
}

// EnsureIndexes creates all required indexes. Failures are logged, not fatal.
func (m *MongoDB) EnsureIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	indexes := []struct {
		collection string
		models     []mongo.IndexModel
	}{
		{
			"matchmaking_queue",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "searchingSince", Value: 1}}},
				{Keys: bson.D{{Key: "rating", Value: 1}}},
			},
		},
		{
			"pvp_battles",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
				{Keys: bson.D{{Key: "player1Id", Value: 1}, {Key: "createdAt", Value: -1}}},
				{Keys: bson.D{{Key: "player2Id", Value: 1}, {Key: "createdAt", Value: -1}}},
			},
		},
		{
			"user_profiles",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "rating", Value: -1}}},
				{Keys: bson.D{{Key: "status", Value: 1}}},
			},
		},
		{
			"ws_events",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(60)},
			},
		},
		{
			"audit_log",
			[]mongo.IndexModel{
				{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(90 * 24 * 3600)}, // 90-day retention
				{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
			},
		},
	}

	for _, idx := range indexes {
		coll := m.Database.Collection(idx.collection)
		if _, err := coll.Indexes().CreateMany(ctx, idx.models); err != nil {
			m.log.Warn("failed to create indexes", zap.String("collection", idx.collection), zap.Error(err))
		}
	}

	m.log.Info("database indexes ensured")
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *MongoDB) MatchmakingQueue() *mongo.Collection {
	return m.Database.Collection("matchmaking_queue")
}

func (m *MongoDB) Battles() *mongo.Collection {
	return m.Database.Collection("pvp_battles")
}

func (m *MongoDB) Profiles() *mongo.Collection {
	return m.Database.Collection("user_profiles")
}

func (m *MongoDB) WSEvents() *mongo.Collection {
	return m.Database.Collection("ws_events")
}

func (m *MongoDB) CleanupLocks() *mongo.Collection {
	return m.Database.Collection("cleanup_locks")
}

func (m *MongoDB) AuditLog() *mongo.Collection {
	return m.Database.Collection("audit_log")
}
