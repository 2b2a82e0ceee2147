package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrClosed = errors.New("channel closed")

// Broadcast events carried on a battle topic
const (
	EventMove        = "move"
	EventStateChange = "state_change"
	EventBattleEnd   = "battle_end"
)

// Server-originated events carried on a matchmaking topic
const (
	EventMatchFound         = "match_found"
	EventMatchmakingExpired = "matchmaking_expired"
)

const (
	battlePrefix      = "battle:"
	matchmakingPrefix = "matchmaking:"
)

func BattleTopic(battleID string) string { return battlePrefix + battleID }

func MatchmakingTopic(userID string) string { return matchmakingPrefix + userID }

// ParseTopic splits a topic into its scope ("battle" or "matchmaking") and id.
func ParseTopic(topic string) (scope, id string, ok bool) {
	switch {
	case strings.HasPrefix(topic, battlePrefix):
		id = strings.TrimPrefix(topic, battlePrefix)
		scope = "battle"
	case strings.HasPrefix(topic, matchmakingPrefix):
		id = strings.TrimPrefix(topic, matchmakingPrefix)
		scope = "matchmaking"
	default:
		return "", "", false
	}
	return scope, id, id != ""
}

// PresenceMeta is what a member tracks when joining a topic.
type PresenceMeta struct {
	UserID   string    `json:"userId"`
	OnlineAt time.Time `json:"onlineAt"`
	Health   int       `json:"health"`
}

type MessageKind string

const (
	KindBroadcast MessageKind = "broadcast"
	KindPresence  MessageKind = "presence"
)

// Message is one inbound item. Broadcasts and presence syncs share a single
// stream so their relative order is preserved.
type Message struct {
	Kind    MessageKind
	Event   string
	Payload json.RawMessage
	Members []PresenceMeta
}

// Decode unmarshals a broadcast payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	return json.Unmarshal(m.Payload, v)
}

// Channel is one membership in a topic.
type Channel interface {
	Topic() string
	// Send broadcasts to every other member. The sender never receives its own broadcast.
	Send(ctx context.Context, event string, payload any) error
	// Inbound is closed when the channel is closed or the transport gives up.
	Inbound() <-chan Message
	Close() error
}

// Transport opens channels. Join is asynchronous from the protocol's point of
// view and may fail; reconnecting after a successful join is the transport's job.
type Transport interface {
	Join(ctx context.Context, topic string, meta PresenceMeta) (Channel, error)
}

// Frame types on the websocket wire
const (
	FrameBroadcast = "broadcast"
	FramePresence  = "presence"
	FrameTrack     = "track"
	FrameError     = "error"
)

// Frame is the JSON document exchanged between a websocket client and the hub.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Members []PresenceMeta  `json:"members,omitempty"`
	Meta    *PresenceMeta   `json:"meta,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Message converts an inbound frame. ok is false for frame types that carry
// nothing for the protocol layer.
func (f Frame) Message() (Message, bool) {
	switch f.Type {
	case FrameBroadcast:
		return Message{Kind: KindBroadcast, Event: f.Event, Payload: f.Payload}, true
	case FramePresence:
		return Message{Kind: KindPresence, Members: f.Members}, true
	}
	return Message{}, false
}

// BroadcastFrame encodes a broadcast document.
func BroadcastFrame(event string, payload any) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameBroadcast, Event: event, Payload: raw})
}

// PresenceFrame encodes a presence snapshot document.
func PresenceFrame(members []PresenceMeta) ([]byte, error) {
	if members == nil {
		members = []PresenceMeta{}
	}
	return json.Marshal(Frame{Type: FramePresence, Members: members})
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// StateChange is the replica summary a peer broadcasts so the other side can
// detect divergence.
type StateChange struct {
	State         string `json:"state"`
	Moves         int    `json:"moves"`
	Player1Health int    `json:"player1Health"`
	Player2Health int    `json:"player2Health"`
}

type BattleEnd struct {
	WinnerID string `json:"winnerId"`
	Reason   string `json:"reason"`
}
