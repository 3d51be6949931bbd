// Package websocket streams device events to subscribed WebSocket clients.
package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/middleware"
)

const (
	// DefaultBufferSize is the number of events queued per subscriber
	DefaultBufferSize = 64

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Control message types
const (
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypeEvent      = "event"
)

var ErrManagerClosed = errors.New("event tap closed")

// ServerMessage is sent from the server to a subscriber
type ServerMessage struct {
	Type         string              `json:"type"`
	SubscriberID string              `json:"subscriber_id,omitempty"`
	Error        string              `json:"error,omitempty"`
	Event        *domain.DeviceEvent `json:"event,omitempty"`
}

// ClientMessage is the handshake sent by a subscriber
type ClientMessage struct {
	Token string `json:"token"`
}

// subscriber is a connected event tap client
type subscriber struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan domain.DeviceEvent
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Manager fans device events out to WebSocket subscribers
type Manager struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	secret     []byte
	metrics    *metrics.Metrics
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	wg          sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithTokenSecret requires subscribers to present an HS256 event token
func WithTokenSecret(secret string) Option {
	return func(m *Manager) { m.secret = []byte(secret) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithAllowedOrigins restricts the Origin header of upgrade requests.
// An empty list or "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(m *Manager) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = true
		}
		if len(allowed) == 0 {
			return
		}
		m.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewManager creates a new event tap manager
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger.Named("event-tap"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		bufferSize:  DefaultBufferSize,
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleConnection upgrades the request and subscribes the client
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	subject, err := m.authenticate(conn)
	if err != nil {
		m.logger.Warn("Event tap handshake failed", zap.Error(err))
		_ = conn.WriteJSON(ServerMessage{Type: TypeError, Error: "auth_failed"})
		_ = conn.Close()
		return
	}

	sub := &subscriber{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		send:    make(chan domain.DeviceEvent, m.bufferSize),
		done:    make(chan struct{}),
	}

	if err := m.add(sub); err != nil {
		_ = conn.WriteJSON(ServerMessage{Type: TypeError, Error: "closed"})
		_ = conn.Close()
		return
	}

	m.logger.Info("Event tap subscriber connected",
		zap.String("subscriber_id", sub.id),
		zap.String("subject", subject))

	go m.writeLoop(sub)
	go m.readLoop(sub)
}

// authenticate runs the token handshake when a secret is configured
func (m *Manager) authenticate(conn *websocket.Conn) (string, error) {
	if len(m.secret) == 0 {
		return "", nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return "", err
	}

	claims, err := middleware.ParseEventToken(m.secret, msg.Token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (m *Manager) add(sub *subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	m.subscribers[sub.id] = sub
	m.updateGauge()
	m.wg.Add(2)
	return nil
}

func (m *Manager) remove(sub *subscriber) {
	m.mu.Lock()
	if existing, ok := m.subscribers[sub.id]; ok && existing == sub {
		delete(m.subscribers, sub.id)
		m.updateGauge()
	}
	m.mu.Unlock()

	sub.close()
}

// updateGauge must be called with mu held
func (m *Manager) updateGauge() {
	if m.metrics != nil {
		m.metrics.EventTapSubscribers.Set(float64(len(m.subscribers)))
	}
}

func (m *Manager) writeLoop(sub *subscriber) {
	defer m.wg.Done()
	defer m.remove(sub)

	if err := sub.conn.WriteJSON(ServerMessage{Type: TypeSubscribed, SubscriberID: sub.id}); err != nil {
		return
	}

	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteJSON(ServerMessage{Type: TypeEvent, Event: &event}); err != nil {
				m.logger.Debug("Event tap write failed",
					zap.String("subscriber_id", sub.id),
					zap.Error(err))
				return
			}
		}
	}
}

// readLoop discards client frames and detects disconnects
func (m *Manager) readLoop(sub *subscriber) {
	defer m.wg.Done()
	defer m.remove(sub)

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-sub.done:
				default:
					m.logger.Debug("Event tap read error", zap.String("subscriber_id", sub.id), zap.Error(err))
				}
			}
			m.logger.Info("Event tap subscriber disconnected", zap.String("subscriber_id", sub.id))
			return
		}
	}
}

// Publish queues event for every subscriber. A subscriber whose queue is
// full misses the event.
func (m *Manager) Publish(event domain.DeviceEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub.send <- event:
		default:
			m.logger.Warn("Event tap subscriber is slow, dropping event",
				zap.String("subscriber_id", sub.id),
				zap.String("event_type", string(event.Type)))
		}
	}
}

// Subscribers returns the number of connected subscribers
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close disconnects all subscribers and rejects new ones
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscribers = make(map[string]*subscriber)
	m.updateGauge()
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		sub.close()
	}
	m.wg.Wait()
}
