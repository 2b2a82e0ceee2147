package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans frames out over a pub/sub channel.
type Redis struct {
	base
	client  *redis.Client
	channel string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRedis(client *redis.Client, channel string, deliver DeliverFunc, logger *zap.Logger) *Redis {
	if channel == "" {
		channel = "pvp:events"
	}
	return &Redis{
		base:    newBase(deliver, logger, "redis"),
		client:  client,
		channel: channel,
	}
}

func (eb *Redis) Start() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	eb.cancel = cancel
	eb.running = true

	sub := eb.client.Subscribe(ctx, eb.channel)
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		defer sub.Close()
		for msg := range sub.Channel() {
			var ev Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				eb.log.Warn("failed to decode envelope", zap.Error(err))
				continue
			}
			eb.dispatch(ev)
		}
	}()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	eb.log.Info("started", zap.String("machine_id", eb.machineID), zap.String("channel", eb.channel))
}

func (eb *Redis) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if !eb.running {
		return
	}
	eb.running = false
	eb.cancel()
	eb.wg.Wait()
	eb.log.Info("stopped")
}

func (eb *Redis) Publish(topic string, frame []byte, excludeUserID string) {
	data, err := json.Marshal(eb.envelope(topic, frame, excludeUserID))
	if err != nil {
		eb.log.Warn("failed to encode envelope", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		eb.log.Warn("failed to publish frame", zap.String("topic", topic), zap.Error(err))
	}
}
