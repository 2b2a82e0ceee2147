package lock

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo keeps leases in a collection, one document per lock name.
type Mongo struct {
	coll  *mongo.Collection
	owner string
}

func NewMongo(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll, owner: Owner()}
}

// TryLock takes the lease when it is missing or expired. Losing the upsert race
// surfaces as a duplicate key error, which just means someone else holds it.
func (m *Mongo) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": name,
		"$or": []bson.M{
			{"lockedUntil": bson.M{"$exists": false}},
			{"lockedUntil": bson.M{"$lt": now}},
			{"lockedBy": m.owner},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"lockedUntil": now.Add(ttl),
			"lockedBy":    m.owner,
			"lockedAt":    now,
		},
	}
	res, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func (m *Mongo) Unlock(ctx context.Context, name string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": name, "lockedBy": m.owner},
		bson.M{"$set": bson.M{"lockedUntil": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
