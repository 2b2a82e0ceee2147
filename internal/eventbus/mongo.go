package eventbus

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Mongo publishes frames into the ws_events collection and watches it with a
// change stream. Requires a replica set.
type Mongo struct {
	base
	collection *mongo.Collection
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func NewMongo(collection *mongo.Collection, deliver DeliverFunc, logger *zap.Logger) *Mongo {
	return &Mongo{
		base:       newBase(deliver, logger, "mongo"),
		collection: collection,
	}
}

// EnsureIndexes creates the TTL index on ws_events.createdAt.
func (eb *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := eb.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(60).
			SetName("ttl_createdAt_60s"),
	})
	return err
}

// Start begins the change stream watcher in a background goroutine.
func (eb *Mongo) Start() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb.cancelFunc = cancel
	eb.running = true
	eb.wg.Add(1)

	go eb.watchLoop(ctx)
	eb.log.Info("started", zap.String("machine_id", eb.machineID))
}

// Stop cancels the watcher and waits for it to exit.
func (eb *Mongo) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if !eb.running {
		return
	}
	eb.running = false
	eb.cancelFunc()
	eb.wg.Wait()
	eb.log.Info("stopped")
}

// Publish inserts the frame; errors are logged, never returned.
func (eb *Mongo) Publish(topic string, frame []byte, excludeUserID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := eb.collection.InsertOne(ctx, eb.envelope(topic, frame, excludeUserID)); err != nil {
		eb.log.Warn("failed to publish frame", zap.String("topic", topic), zap.Error(err))
	}
}

func (eb *Mongo) watchLoop(ctx context.Context) {
	defer eb.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		err := eb.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		eb.log.Warn("change stream error, reconnecting in 2s", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (eb *Mongo) watch(ctx context.Context) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.originMachineId", Value: bson.D{{Key: "$ne", Value: eb.machineID}}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := eb.collection.Watch(ctx, pipeline, opts)
	if err != nil {
		return err
	}
	defer cs.Close(ctx)

	for cs.Next(ctx) {
		var changeDoc struct {
			FullDocument Envelope `bson:"fullDocument"`
		}
		if err := cs.Decode(&changeDoc); err != nil {
			eb.log.Warn("failed to decode change event", zap.Error(err))
			continue
		}
		eb.dispatch(changeDoc.FullDocument)
	}

	return cs.Err()
}
