package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer is the inbound buffer of each in-memory member
const DefaultBuffer = 256

// Broker is an in-process Transport. Every topic is a member list; delivery is
// best effort and drops when a member's buffer is full.
type Broker struct {
	mu     sync.Mutex
	topics map[string][]*memChannel
	closed bool
	buffer int
	log    *zap.Logger
}

func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		topics: make(map[string][]*memChannel),
		buffer: DefaultBuffer,
		log:    logger.Named("broker"),
	}
}

type memChannel struct {
	broker      *Broker
	topic       string
	meta        PresenceMeta
	inbound     chan Message
	closed      bool
	partitioned bool
}

func (b *Broker) Join(ctx context.Context, topic string, meta PresenceMeta) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	c := &memChannel{
		broker:  b,
		topic:   topic,
		meta:    meta,
		inbound: make(chan Message, b.buffer),
	}
	b.topics[topic] = append(b.topics[topic], c)
	b.syncPresenceLocked(topic)

	b.log.Debug("member joined", zap.String("topic", topic), zap.String("user_id", meta.UserID))
	return c, nil
}

// Publish delivers a server-originated broadcast to every reachable member.
func (b *Broker) Publish(topic, event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Kind: KindBroadcast, Event: event, Payload: raw}
	for _, m := range b.topics[topic] {
		if !m.partitioned {
			b.deliverLocked(m, msg)
		}
	}
	return nil
}

// Members returns the presence list of a topic as the reachable members see it.
func (b *Broker) Members(topic string) []PresenceMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(topic)
}

// Partition cuts userID off from topic without closing its channel: its
// broadcasts are lost, it receives nothing, and the others see it leave.
func (b *Broker) Partition(topic, userID string) {
	b.setPartitioned(topic, userID, true)
}

// Heal reverses Partition.
func (b *Broker) Heal(topic, userID string) {
	b.setPartitioned(topic, userID, false)
}

func (b *Broker) setPartitioned(topic, userID string, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for _, m := range b.topics[topic] {
		if m.meta.UserID == userID && m.partitioned != v {
			m.partitioned = v
			changed = true
		}
	}
	if changed {
		b.syncPresenceLocked(topic)
	}
}

// Close shuts every channel down.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, members := range b.topics {
		for _, m := range members {
			m.closed = true
			close(m.inbound)
		}
		delete(b.topics, topic)
	}
}

func (b *Broker) snapshotLocked(topic string) []PresenceMeta {
	var out []PresenceMeta
	for _, m := range b.topics[topic] {
		if !m.partitioned {
			out = append(out, m.meta)
		}
	}
	return out
}

func (b *Broker) syncPresenceLocked(topic string) {
	snap := b.snapshotLocked(topic)
	for _, m := range b.topics[topic] {
		if m.partitioned {
			continue
		}
		members := make([]PresenceMeta, len(snap))
		copy(members, snap)
		b.deliverLocked(m, Message{Kind: KindPresence, Members: members})
	}
}

func (b *Broker) deliverLocked(m *memChannel, msg Message) {
	select {
	case m.inbound <- msg:
	default:
		b.log.Warn("inbound buffer full, message dropped",
			zap.String("topic", m.topic),
			zap.String("user_id", m.meta.UserID),
			zap.String("event", msg.Event))
	}
}

func (c *memChannel) Topic() string { return c.topic }

func (c *memChannel) Inbound() <-chan Message { return c.inbound }

func (c *memChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.partitioned {
		return nil
	}
	msg := Message{Kind: KindBroadcast, Event: event, Payload: raw}
	for _, m := range b.topics[c.topic] {
		if m != c && !m.partitioned {
			b.deliverLocked(m, msg)
		}
	}
	return nil
}

func (c *memChannel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbound)

	members := b.topics[c.topic]
	for i, m := range members {
		if m == c {
			b.topics[c.topic] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(b.topics[c.topic]) == 0 {
		delete(b.topics, c.topic)
		return nil
	}
	b.syncPresenceLocked(c.topic)
	return nil
}
