package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client event names.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
)

// Hub defaults.
const (
	DefaultSendQueueSize = 64
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPongTimeout   = 60 * time.Second

	pingPeriod     = DefaultPongTimeout * 9 / 10
	maxRoomNameLen = 64
	maxFrameSize   = 4096
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("hub is closed")

// Frame is the wire format in both directions. Clients send join-room and
// leave-room with the topic as data; the server sends the topic as event
// with the payload as data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	// SendQueueSize is the per-session outbound buffer. Frames published
	// while it is full are dropped for that session.
	SendQueueSize int

	WriteTimeout time.Duration
	PongTimeout  time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WithDefaults returns a copy of the config with zero values replaced.
func (c HubConfig) WithDefaults() HubConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// session is one connected websocket client.
type session struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// rooms is guarded by Hub.mu.
	rooms map[string]struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Hub is a room-based websocket broadcaster.
type Hub struct {
	cfg      HubConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session
	onJoin   func(topic string)

	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	cfg = cfg.WithDefaults()
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Public read-only feed
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
	}
}

// SetOnJoin sets a callback invoked after a session joins a room.
func (h *Hub) SetOnJoin(fn func(topic string)) {
	h.mu.Lock()
	h.onJoin = fn
	h.mu.Unlock()
}

// HandleWebSocket is the gin handler for the websocket endpoint.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes mounts the websocket endpoint at /ws.
func (h *Hub) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.HandleWebSocket)
}

// ServeHTTP upgrades the request and serves the session until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendQueueSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.logger.Debug("session connected",
		zap.String("session", s.id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	h.wg.Add(1)
	go h.writeLoop(s)

	h.readLoop(s)

	h.remove(s)
	s.close()

	h.logger.Debug("session closed", zap.String("session", s.id))
}

func (h *Hub) readLoop(s *session) {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("session read failed", zap.String("session", s.id), zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(s, message)
	}
}

func (h *Hub) handleFrame(s *session, message []byte) {
	var f Frame
	if err := json.Unmarshal(message, &f); err != nil {
		h.logger.Debug("invalid frame", zap.String("session", s.id), zap.Error(err))
		return
	}

	var room string
	if err := json.Unmarshal(f.Data, &room); err != nil || room == "" || len(room) > maxRoomNameLen {
		return
	}

	switch f.Event {
	case EventJoinRoom:
		h.join(s, room)
	case EventLeaveRoom:
		h.leave(s, room)
	}
}

func (h *Hub) writeLoop(s *session) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("session write failed", zap.String("session", s.id), zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				s.close()
				return
			}
		}
	}
}

func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	members[s.id] = s
	s.rooms[room] = struct{}{}
	count := len(members)
	onJoin := h.onJoin
	h.mu.Unlock()

	h.cfg.Metrics.SetSubscribers(room, count)
	h.logger.Debug("session joined room", zap.String("session", s.id), zap.String("room", room))

	if onJoin != nil {
		onJoin(room)
	}
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	count := h.leaveLocked(s, room)
	h.mu.Unlock()

	h.cfg.Metrics.SetSubscribers(room, count)
}

// leaveLocked removes s from room and returns the remaining member count.
// h.mu must be held.
func (h *Hub) leaveLocked(s *session, room string) int {
	delete(s.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return 0
	}
	delete(members, s.id)
	if len(members) == 0 {
		delete(h.rooms, room)
		return 0
	}
	return len(members)
}

// remove drops a session from the hub and all of its rooms.
func (h *Hub) remove(s *session) {
	counts := make(map[string]int)

	h.mu.Lock()
	for room := range s.rooms {
		counts[room] = h.leaveLocked(s, room)
	}
	delete(h.sessions, s.id)
	h.mu.Unlock()

	for room, n := range counts {
		h.cfg.Metrics.SetSubscribers(room, n)
	}
}

// HasSubscribers reports whether any session has joined topic.
func (h *Hub) HasSubscribers(topic string) bool {
	return h.Subscribers(topic) > 0
}

// Subscribers returns the number of sessions in topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish encodes payload once and queues it for every session in topic.
// Sessions whose queue is full miss this frame.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg, err := json.Marshal(Frame{Event: topic, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", topic, err)
	}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.rooms[topic]))
	for _, s := range h.rooms[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.send <- msg:
		case <-s.done:
		default:
			h.logger.Debug("send queue full, frame dropped",
				zap.String("session", s.id),
				zap.String("topic", topic),
			)
		}
	}

	h.cfg.Metrics.Published(topic)
	return nil
}

// Close disconnects every session and rejects further publishes.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.close()
	}
	h.wg.Wait()
	return nil
}
