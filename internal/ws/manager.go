// Package ws serves the real-time stream. A connection authenticates with
// a bearer token, then subscribes to topics; each subscription's snapshot
// and deltas are written to the socket as event frames.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatcore-backend/internal/apperr"
	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/identity"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 << 10
)

const (
	sendBuffer       = 128
	maxSubscriptions = 256
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameHeartbeat   = "heartbeat"
)

// Server frame types.
const (
	FrameEvent        = "event"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

const codeRateLimited = "rate_limited"

// ClientFrame is a command sent by the client. ID is echoed in the reply.
type ClientFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerFrame struct {
	Type           string           `json:"type"`
	ID             string           `json:"id,omitempty"`
	Topic          string           `json:"topic,omitempty"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Event          *fanout.Event    `json:"event,omitempty"`
	Presence       *presence.Status `json:"presence,omitempty"`
	Error          *ErrorBody       `json:"error,omitempty"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Identity, error)
}

type UserDirectory interface {
	EnsureUser(ctx context.Context, userID, email, displayName string) (storage.UserRow, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, userID, topic string) (*fanout.Subscription, error)
}

type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID string) (presence.Status, error)
	Disconnect(ctx context.Context, userID string) (presence.Status, error)
}

type client struct {
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*fanout.Subscription

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.conn.Close()
	})
}

// queue hands a frame to the write pump, waiting while the socket is
// slow. It gives up once the connection closes.
func (c *client) queue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	}
}

type Manager struct {
	logger    *slog.Logger
	auth      Authenticator
	users     UserDirectory
	subs      Subscriber
	presence  PresenceTracker
	rateLimit int

	mu      sync.Mutex
	clients map[*client]struct{}
	perUser map[string]int
}

// NewManager builds the stream handler. rateLimit caps inbound frames per
// second per connection.
func NewManager(logger *slog.Logger, auth Authenticator, users UserDirectory, subs Subscriber, tracker PresenceTracker, rateLimit int) *Manager {
	if rateLimit <= 0 {
		rateLimit = 20
	}
	return &Manager{
		logger:    logger.With("component", "ws"),
		auth:      auth,
		users:     users,
		subs:      subs,
		presence:  tracker,
		rateLimit: rateLimit,
		clients:   make(map[*client]struct{}),
		perUser:   make(map[string]int),
	}
}

func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handle)
}

// CloseAll ends every connection with a going-away close frame.
func (m *Manager) CloseAll() {
	clients := m.snapshotClients()
	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait),
		)
		c.close()
	}
}

// ConnectionCount reports open connections for userID on this instance.
func (m *Manager) ConnectionCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perUser[userID]
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	id, err := m.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	user, err := m.users.EnsureUser(r.Context(), id.UserID, id.Email, id.DisplayName)
	if err != nil {
		m.logger.Warn("ws ensure user failed", "userID", id.UserID, "error", err)
		http.Error(w, apperr.PublicMessage(apperr.KindOf(err)), http.StatusServiceUnavailable)
		return
	}
	if user.Disabled {
		http.Error(w, "account disabled", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:    conn,
		userID:  user.ID,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(m.rateLimit), m.rateLimit),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*fanout.Subscription),
	}
	m.track(c)
	defer c.close()

	m.logger.Info("ws connected", "remoteAddr", r.RemoteAddr, "userID", c.userID)

	if _, err := m.presence.Heartbeat(ctx, c.userID); err != nil {
		m.logger.Warn("ws connect heartbeat failed", "userID", c.userID, "error", err)
	}

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go m.writePump(c, r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			m.logger.Info("ws disconnected", "remoteAddr", r.RemoteAddr, "userID", c.userID, "normal", normal, "error", err)
			c.close()
			if last := m.untrack(c); last && normal {
				m.disconnect(c.userID)
			}
			return
		}
		m.handleClientMessage(c, msg)
	}
}

// disconnect marks the user offline after their last connection closed
// cleanly. Abrupt drops are left to the heartbeat timeout.
func (m *Manager) disconnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := m.presence.Disconnect(ctx, userID); err != nil {
		m.logger.Warn("ws presence disconnect failed", "userID", userID, "error", err)
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

func (m *Manager) writePump(c *client, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.logger.Info("ws write failed", "remoteAddr", remoteAddr, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (m *Manager) handleClientMessage(c *client, msg []byte) {
	var cf ClientFrame
	if err := json.Unmarshal(msg, &cf); err != nil {
		m.reply(c, ServerFrame{Type: FrameError, Error: &ErrorBody{
			Code: string(apperr.KindValidation), Message: apperr.PublicMessage(apperr.KindValidation),
		}})
		return
	}
	if !c.limiter.Allow() {
		m.reply(c, ServerFrame{Type: FrameError, ID: cf.ID, Topic: cf.Topic, Error: &ErrorBody{
			Code: codeRateLimited, Message: "too many requests",
		}})
		return
	}

	switch cf.Type {
	case FrameSubscribe:
		m.subscribe(c, cf)
	case FrameUnsubscribe:
		m.unsubscribe(c, cf)
	case FrameHeartbeat:
		st, err := m.presence.Heartbeat(c.ctx, c.userID)
		if err != nil {
			m.replyError(c, cf, err)
			return
		}
		m.reply(c, ServerFrame{Type: FrameHeartbeat, ID: cf.ID, Presence: &st})
	default:
		m.reply(c, ServerFrame{Type: FrameError, ID: cf.ID, Error: &ErrorBody{
			Code: string(apperr.KindValidation), Message: apperr.PublicMessage(apperr.KindValidation),
		}})
	}
}

func (m *Manager) subscribe(c *client, cf ClientFrame) {
	c.mu.Lock()
	existing, dup := c.subs[cf.Topic]
	full := len(c.subs) >= maxSubscriptions
	c.mu.Unlock()
	if dup {
		m.reply(c, ServerFrame{Type: FrameSubscribed, ID: cf.ID, Topic: cf.Topic, SubscriptionID: existing.ID})
		return
	}
	if full {
		m.replyError(c, cf, apperr.Validation("too many subscriptions"))
		return
	}

	sub, err := m.subs.Subscribe(c.ctx, c.userID, cf.Topic)
	if err != nil {
		m.replyError(c, cf, err)
		return
	}

	c.mu.Lock()
	if _, raced := c.subs[cf.Topic]; raced {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.subs[cf.Topic] = sub
	c.mu.Unlock()

	// The ack is queued before the pump starts so it precedes the snapshot.
	m.reply(c, ServerFrame{Type: FrameSubscribed, ID: cf.ID, Topic: cf.Topic, SubscriptionID: sub.ID})
	go m.pump(c, sub)
}

func (m *Manager) unsubscribe(c *client, cf ClientFrame) {
	c.mu.Lock()
	sub, ok := c.subs[cf.Topic]
	delete(c.subs, cf.Topic)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	m.reply(c, ServerFrame{Type: FrameUnsubscribed, ID: cf.ID, Topic: cf.Topic})
}

// pump copies one subscription's events to the connection until either
// side ends. A subscription the engine revoked is reported to the client
// with an unsubscribed frame.
func (m *Manager) pump(c *client, sub *fanout.Subscription) {
	defer func() {
		c.mu.Lock()
		if c.subs[sub.Topic] == sub {
			delete(c.subs, sub.Topic)
		}
		c.mu.Unlock()
		sub.Close()
	}()

	for {
		ev, err := sub.Next(c.ctx)
		if err != nil {
			if sub.Revoked() {
				m.reply(c, ServerFrame{Type: FrameUnsubscribed, Topic: sub.Topic, SubscriptionID: sub.ID})
			}
			return
		}
		b, err := encodeJSON(ServerFrame{Type: FrameEvent, Topic: sub.Topic, SubscriptionID: sub.ID, Event: &ev})
		if err != nil {
			m.logger.Error("ws event marshal failed", "error", err, "type", ev.Type, "topic", ev.Topic)
			continue
		}
		if !c.queue(b) {
			return
		}
	}
}

func (m *Manager) replyError(c *client, cf ClientFrame, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindTransient {
		m.logger.Warn("ws command failed", "userID", c.userID, "type", cf.Type, "topic", cf.Topic, "error", err)
	}
	m.reply(c, ServerFrame{Type: FrameError, ID: cf.ID, Topic: cf.Topic, Error: &ErrorBody{
		Code:    string(kind),
		Message: apperr.PublicMessage(kind),
	}})
}

func (m *Manager) reply(c *client, f ServerFrame) {
	b, err := encodeJSON(f)
	if err != nil {
		m.logger.Error("ws reply marshal failed", "error", err, "type", f.Type)
		return
	}
	c.queue(b)
}

func (m *Manager) snapshotClients() []*client {
	m.mu.Lock()
	defer m.mu.Unlock()

	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	return clients
}

func (m *Manager) track(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = struct{}{}
	m.perUser[c.userID]++
}

// untrack reports whether c was the user's last connection.
func (m *Manager) untrack(c *client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c]; !ok {
		return false
	}
	delete(m.clients, c)
	m.perUser[c.userID]--
	if m.perUser[c.userID] <= 0 {
		delete(m.perUser, c.userID)
		return true
	}
	return false
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
