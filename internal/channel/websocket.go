package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256

	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
)

// WSTransport joins topics on a hub over websocket, one connection per topic.
// After an unexpected drop it reconnects with exponential backoff and re-tracks
// presence; inbound stays open while it does.
type WSTransport struct {
	baseURL     string
	token       string
	dialer      *websocket.Dialer
	clock       clockwork.Clock
	maxAttempts int
	baseDelay   time.Duration
	log         *zap.Logger
}

type WSOption func(*WSTransport)

func WithClock(c clockwork.Clock) WSOption {
	return func(t *WSTransport) { t.clock = c }
}

func WithReconnect(attempts int, baseDelay time.Duration) WSOption {
	return func(t *WSTransport) {
		t.maxAttempts = attempts
		t.baseDelay = baseDelay
	}
}

func WithDialer(d *websocket.Dialer) WSOption {
	return func(t *WSTransport) { t.dialer = d }
}

// NewWSTransport takes the server base URL (http, https, ws or wss) and a bearer token.
func NewWSTransport(baseURL, token string, logger *zap.Logger, opts ...WSOption) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &WSTransport{
		baseURL:     wsBase(baseURL),
		token:       token,
		dialer:      websocket.DefaultDialer,
		clock:       clockwork.NewRealClock(),
		maxAttempts: DefaultReconnectAttempts,
		baseDelay:   DefaultReconnectDelay,
		log:         logger.Named("ws_transport"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func wsBase(raw string) string {
	raw = strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

// ReconnectDelay is base * 2^(attempt-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func (t *WSTransport) channelURL(topic string) string {
	q := url.Values{}
	q.Set("token", t.token)
	return t.baseURL + "/ws/channels/" + url.PathEscape(topic) + "?" + q.Encode()
}

func (t *WSTransport) dial(ctx context.Context, topic string, meta PresenceMeta) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)
	conn, resp, err := t.dialer.DialContext(ctx, t.channelURL(topic), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", topic, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", topic, err)
	}
	track, err := json.Marshal(Frame{Type: FrameTrack, Meta: &meta})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, track); err != nil {
		conn.Close()
		return nil, fmt.Errorf("track presence on %s: %w", topic, err)
	}
	return conn, nil
}

// Join dials the hub once. A failed initial join is returned, not retried.
func (t *WSTransport) Join(ctx context.Context, topic string, meta PresenceMeta) (Channel, error) {
	conn, err := t.dial(ctx, topic, meta)
	if err != nil {
		return nil, err
	}
	c := &wsChannel{
		transport: t,
		topic:     topic,
		meta:      meta,
		inbound:   make(chan Message, sendBufferSize),
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		dead:      make(chan struct{}),
		log:       t.log.With(zap.String("topic", topic)),
	}
	go c.run(conn)
	return c, nil
}

type wsChannel struct {
	transport *WSTransport
	topic     string
	meta      PresenceMeta
	inbound   chan Message
	send      chan []byte
	done      chan struct{} // closed by Close
	dead      chan struct{} // closed when run exits
	closeOnce sync.Once
	log       *zap.Logger
}

func (c *wsChannel) Topic() string { return c.topic }

func (c *wsChannel) Inbound() <-chan Message { return c.inbound }

func (c *wsChannel) Send(ctx context.Context, event string, payload any) error {
	data, err := BroadcastFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.dead:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.dead
	return nil
}

// run owns the connection: it writes frames and pings, and on a drop it
// reconnects until the attempts run out.
func (c *wsChannel) run(conn *websocket.Conn) {
	defer close(c.dead)
	defer close(c.inbound)

	for {
		lost := c.serve(conn)
		if !lost {
			return
		}
		c.log.Warn("connection lost, reconnecting")
		next, ok := c.reconnect()
		if !ok {
			c.log.Error("giving up on channel")
			return
		}
		conn = next
	}
}

// serve pumps one connection. It returns true when the connection dropped and
// false when the channel was closed locally.
func (c *wsChannel) serve(conn *websocket.Conn) bool {
	readerDone := make(chan struct{})
	go c.readPump(conn, readerDone)

	ticker := c.transport.clock.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				conn.Close()
				<-readerDone
				return true
			}
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				<-readerDone
				return true
			}
		case <-readerDone:
			conn.Close()
			return true
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			<-readerDone
			return false
		}
	}
}

func (c *wsChannel) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("malformed frame", zap.Error(err))
			continue
		}
		if f.Type == FrameError {
			c.log.Warn("hub error", zap.String("error", f.Error))
			continue
		}
		msg, ok := f.Message()
		if !ok {
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) reconnect() (*websocket.Conn, bool) {
	t := c.transport
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		delay := ReconnectDelay(t.baseDelay, attempt)
		select {
		case <-t.clock.After(delay):
		case <-c.done:
			return nil, false
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := t.dial(ctx, c.topic, c.meta)
		cancel()
		if err == nil {
			c.log.Info("connection restored", zap.Int("attempt", attempt))
			return conn, true
		}
		c.log.Warn("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return nil, false
}
