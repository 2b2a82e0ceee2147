package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/channel"
	"pvp-battle/internal/eventbus"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var (
	errBadTopic     = errors.New("unknown topic")
	errForbidden    = errors.New("not allowed on this topic")
	errBattleClosed = errors.New("battle is not in progress")
)

// Hub maintains websocket members per topic. Broadcasts from one member are
// relayed to every other member, here and on the other instances through the
// event bus. Presence is the union of the tracked members of every instance.
type Hub struct {
	// topic -> connected clients
	topics map[string]map[*Client]bool
	// topic -> machine id -> members tracked on that instance
	remote map[string]map[string][]channel.PresenceMeta
	mu     sync.RWMutex

	register       chan *Client
	unregister     chan *Client
	track          chan trackRequest
	broadcast      chan *BroadcastMessage
	direct         chan directMessage
	remotePresence chan remotePresence

	bus   eventbus.Bus
	clock clockwork.Clock
	done  chan struct{}
	log   *zap.Logger
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	topic  string
	userID string
	meta   *channel.PresenceMeta // owned by Hub.Run
	send   chan []byte
}

type BroadcastMessage struct {
	Topic         string
	Frame         []byte
	ExcludeUserID string
}

type trackRequest struct {
	client *Client
	meta   channel.PresenceMeta
}

type directMessage struct {
	client *Client
	frame  []byte
}

type remotePresence struct {
	origin  string
	topic   string
	members []channel.PresenceMeta
}

func NewHub(clock clockwork.Clock, logger *zap.Logger) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		topics:         make(map[string]map[*Client]bool),
		remote:         make(map[string]map[string][]channel.PresenceMeta),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		track:          make(chan trackRequest),
		broadcast:      make(chan *BroadcastMessage, 64),
		direct:         make(chan directMessage, 64),
		remotePresence: make(chan remotePresence, 64),
		clock:          clock,
		done:           make(chan struct{}),
		log:            logger.Named("hub"),
	}
}

// SetBus connects the hub to the other instances. Call before Run.
func (h *Hub) SetBus(bus eventbus.Bus) {
	h.bus = bus
}

// Run owns all membership changes until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.topics[client.topic] == nil {
				h.topics[client.topic] = make(map[*Client]bool)
			}
			h.topics[client.topic][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("topic", client.topic), zap.String("user_id", client.userID))

		case req := <-h.track:
			h.mu.Lock()
			if !h.topics[req.client.topic][req.client] {
				h.mu.Unlock()
				continue
			}
			meta := req.meta
			req.client.meta = &meta
			h.mu.Unlock()
			h.syncPresence(req.client.topic, true)

		case client := <-h.unregister:
			if h.remove(client) {
				h.syncPresence(client.topic, true)
			}
			h.log.Debug("client unregistered", zap.String("topic", client.topic), zap.String("user_id", client.userID))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case dm := <-h.direct:
			h.mu.RLock()
			registered := h.topics[dm.client.topic][dm.client]
			h.mu.RUnlock()
			if registered {
				select {
				case dm.client.send <- dm.frame:
				default:
				}
			}

		case rp := <-h.remotePresence:
			h.mu.Lock()
			if h.remote[rp.topic] == nil {
				h.remote[rp.topic] = make(map[string][]channel.PresenceMeta)
			}
			if len(rp.members) == 0 {
				delete(h.remote[rp.topic], rp.origin)
				if len(h.remote[rp.topic]) == 0 {
					delete(h.remote, rp.topic)
				}
			} else {
				h.remote[rp.topic][rp.origin] = rp.members
			}
			h.mu.Unlock()
			h.syncPresence(rp.topic, false)
		}
	}
}

// remove drops a client and reports whether it had tracked presence.
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[client.topic]
	if !ok || !members[client] {
		return false
	}
	delete(members, client)
	close(client.send)
	if len(members) == 0 {
		delete(h.topics, client.topic)
	}
	return client.meta != nil
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	var dropped []*Client
	h.mu.RLock()
	for client := range h.topics[msg.Topic] {
		if client.userID == msg.ExcludeUserID {
			continue
		}
		select {
		case client.send <- msg.Frame:
		default:
			dropped = append(dropped, client)
		}
	}
	h.mu.RUnlock()

	// slow consumers are disconnected
	resync := false
	for _, client := range dropped {
		h.log.Warn("send buffer full, dropping client", zap.String("topic", client.topic), zap.String("user_id", client.userID))
		if h.remove(client) {
			resync = true
		}
	}
	if resync {
		h.syncPresence(msg.Topic, true)
	}
}

// syncPresence sends the merged member list to every local client of topic
// and, when announce is set, tells the other instances about local members.
func (h *Hub) syncPresence(topic string, announce bool) {
	h.mu.RLock()
	var local []channel.PresenceMeta
	clients := make([]*Client, 0, len(h.topics[topic]))
	for client := range h.topics[topic] {
		clients = append(clients, client)
		if client.meta != nil {
			local = append(local, *client.meta)
		}
	}
	merged := append([]channel.PresenceMeta(nil), local...)
	for _, members := range h.remote[topic] {
		merged = append(merged, members...)
	}
	h.mu.RUnlock()

	sortMembers(local)
	sortMembers(merged)
	frame, err := channel.PresenceFrame(merged)
	if err != nil {
		h.log.Error("encoding presence", zap.Error(err))
		return
	}
	for _, client := range clients {
		select {
		case client.send <- frame:
		default:
		}
	}

	if announce && h.bus != nil {
		if own, err := channel.PresenceFrame(local); err == nil {
			h.bus.Publish(topic, own, "")
		}
	}
}

func sortMembers(m []channel.PresenceMeta) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].OnlineAt.Equal(m[j].OnlineAt) {
			return m[i].UserID < m[j].UserID
		}
		return m[i].OnlineAt.Before(m[j].OnlineAt)
	})
}

// shutdown disconnects every client and withdraws local presence from the
// other instances.
func (h *Hub) shutdown() {
	h.mu.Lock()
	topics := make([]string, 0, len(h.topics))
	for topic, members := range h.topics {
		topics = append(topics, topic)
		for client := range members {
			close(client.send)
		}
	}
	h.topics = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	if h.bus != nil {
		empty, _ := channel.PresenceFrame(nil)
		for _, topic := range topics {
			h.bus.Publish(topic, empty, "")
		}
	}
	h.log.Info("hub stopped", zap.Int("topics", len(topics)))
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Relay delivers a frame locally and forwards it to the other instances.
func (h *Hub) Relay(topic string, frame []byte, excludeUserID string) {
	h.enqueue(&BroadcastMessage{Topic: topic, Frame: frame, ExcludeUserID: excludeUserID})
	if h.bus != nil {
		h.bus.Publish(topic, frame, excludeUserID)
	}
}

// DeliverRemote is the event bus callback for frames from other instances.
func (h *Hub) DeliverRemote(origin, topic string, frame []byte, excludeUserID string) {
	var f channel.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		h.log.Warn("malformed remote frame", zap.String("topic", topic), zap.Error(err))
		return
	}
	if f.Type == channel.FramePresence {
		select {
		case h.remotePresence <- remotePresence{origin: origin, topic: topic, members: f.Members}:
		case <-h.done:
		}
		return
	}
	h.enqueue(&BroadcastMessage{Topic: topic, Frame: frame, ExcludeUserID: excludeUserID})
}

// Publish sends a server-originated broadcast to every member of topic.
func (h *Hub) Publish(topic, event string, payload any) error {
	frame, err := channel.BroadcastFrame(event, payload)
	if err != nil {
		return err
	}
	h.Relay(topic, frame, "")
	return nil
}

// NotifyMatchFound tells a searching player about their battle.
func (h *Hub) NotifyMatchFound(userID string, found models.MatchFound) {
	if err := h.Publish(channel.MatchmakingTopic(userID), channel.EventMatchFound, found); err != nil {
		h.log.Error("publishing match_found", zap.String("user_id", userID), zap.Error(err))
	}
}

// NotifyExpired tells a player their queue entry timed out.
func (h *Hub) NotifyExpired(userID string) {
	if err := h.Publish(channel.MatchmakingTopic(userID), channel.EventMatchmakingExpired, nil); err != nil {
		h.log.Error("publishing matchmaking_expired", zap.String("user_id", userID), zap.Error(err))
	}
}

// BroadcastBattleOver tells both peers the server closed their battle.
func (h *Hub) BroadcastBattleOver(b *models.Battle) {
	err := h.Publish(channel.BattleTopic(b.ID), channel.EventBattleEnd, channel.BattleEnd{
		WinnerID: b.WinnerID,
		Reason:   string(b.EndReason),
	})
	if err != nil {
		h.log.Error("publishing battle_end", zap.String("battle_id", b.ID), zap.Error(err))
	}
}

// Members returns the merged presence list of topic.
func (h *Hub) Members(topic string) []channel.PresenceMeta {
	h.mu.RLock()
	var out []channel.PresenceMeta
	for client := range h.topics[topic] {
		if client.meta != nil {
			out = append(out, *client.meta)
		}
	}
	for _, members := range h.remote[topic] {
		out = append(out, members...)
	}
	h.mu.RUnlock()
	sortMembers(out)
	return out
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *Client) sendError(msg string) {
	data, _ := json.Marshal(channel.Frame{Type: channel.FrameError, Error: msg})
	select {
	case c.hub.direct <- directMessage{client: c, frame: data}:
	case <-c.hub.done:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var f channel.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("malformed frame")
			continue
		}
		switch f.Type {
		case channel.FrameTrack:
			// identity always comes from the token, never the frame
			meta := channel.PresenceMeta{UserID: c.userID, OnlineAt: c.hub.clock.Now(), Health: models.MaxHealth}
			if f.Meta != nil {
				meta.Health = models.ClampHealth(f.Meta.Health)
			}
			select {
			case c.hub.track <- trackRequest{client: c, meta: meta}:
			case <-c.hub.done:
				return
			}
		case channel.FrameBroadcast:
			if f.Event == "" {
				c.sendError("broadcast without event")
				continue
			}
			frame, err := channel.BroadcastFrame(f.Event, f.Payload)
			if err != nil {
				c.sendError("invalid payload")
				continue
			}
			c.hub.Relay(c.topic, frame, c.userID)
		default:
			c.sendError("unsupported frame type " + f.Type)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler upgrades authenticated requests into topic members.
type WebSocketHandler struct {
	hub      *Hub
	battles  storage.BattleStore
	audit    *audit.Recorder
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWebSocketHandler(hub *Hub, battles storage.BattleStore, recorder *audit.Recorder, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		battles: battles,
		audit:   recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: logger.Named("websocket"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// authorize checks that userID may join topic: only its own matchmaking
// topic, and only battles it fights in that are still in progress.
func (h *WebSocketHandler) authorize(ctx context.Context, topic, userID string) error {
	scope, id, ok := channel.ParseTopic(topic)
	if !ok {
		return errBadTopic
	}
	if scope == "matchmaking" {
		if id != userID {
			return errForbidden
		}
		return nil
	}
	b, err := h.battles.GetBattle(ctx, id)
	if err != nil {
		return err
	}
	if !b.HasPlayer(userID) {
		return errForbidden
	}
	if b.Status != models.BattleStatusFighting {
		return errBattleClosed
	}
	return nil
}

// HandleChannel upgrades GET /ws/channels/{topic}.
func (h *WebSocketHandler) HandleChannel(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	userID := middleware.UserIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err := h.authorize(ctx, topic, userID)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, errBadTopic):
		respondWithError(w, http.StatusBadRequest, "Unknown topic")
		return
	case errors.Is(err, storage.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Battle not found")
		return
	case errors.Is(err, errBattleClosed):
		respondWithError(w, http.StatusConflict, "Battle is not in progress")
		return
	case errors.Is(err, errForbidden):
		if h.audit != nil {
			h.audit.LogRequest(r, audit.EventChannelForbidden, userID, topic)
		}
		respondWithError(w, http.StatusForbidden, "Not allowed on this channel")
		return
	default:
		h.log.Error("authorizing channel", zap.String("topic", topic), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to authorize channel")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		topic:  topic,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
	if !h.hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// GetHub returns the hub for use by other handlers
func (h *WebSocketHandler) GetHub() *Hub {
	return h.hub
}
