package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Metrics receives transport-level counters. Implemented by the prometheus
// collector; nil disables instrumentation.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(msgType string, err error)
}

// Config tunes the WebSocket transport timeouts.
type Config struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:  30 * time.Second,
		ReadTimeout:   60 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendQueueSize: 64,
	}
}

// SignalMessage is the inbound client envelope. Payload shape depends on Type.
type SignalMessage struct {
	Type     string              `json:"type"`
	StreamID domain.StreamID     `json:"stream_id,omitempty"`
	Target   domain.ConnectionID `json:"target,omitempty"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
}

type JoinPayload struct {
	Role   string        `json:"role"`
	Token  string        `json:"token,omitempty"`
	UserID domain.UserID `json:"user_id,omitempty"`
}

type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate string `json:"candidate"`
}

type ConnectionStatePayload struct {
	State string `json:"state"`
}

type QualityChangePayload struct {
	Quality string `json:"quality"`
}

// wsConnection pairs one socket with its buffered outbound queue. A writer
// goroutine owns all writes to the socket; everyone else only enqueues.
type wsConnection struct {
	id   domain.ConnectionID
	ws   *websocket.Conn
	send chan domain.Event
	quit chan struct{}
	once sync.Once
}

// close signals the writer to finish. The writer owns all socket writes, so
// it emits the close frame and releases the socket on its way out.
func (c *wsConnection) close() {
	c.once.Do(func() {
		close(c.quit)
	})
}

// WebSocketServer is the signaling transport: it upgrades HTTP connections,
// reads client envelopes sequentially (preserving per-sender order) and hands
// them to the room registry and signal router. It implements
// ports.MessageSender, so the registry and router are attached after
// construction.
type WebSocketServer struct {
	registry *services.RoomRegistry
	router   *services.SignalRouter
	auth     services.AuthService // optional, nil disables join tokens
	metrics  Metrics              // optional
	cfg      Config
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*wsConnection
}

func NewWebSocketServer(cfg Config, auth services.AuthService, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}
	return &WebSocketServer{
		auth:    auth,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[domain.ConnectionID]*wsConnection),
	}
}

// Attach wires the registry and router. Must be called before serving.
func (s *WebSocketServer) Attach(registry *services.RoomRegistry, router *services.SignalRouter) {
	s.registry = registry
	s.router = router
}

// Send implements ports.MessageSender. It never blocks: a connection whose
// queue is full is treated as too slow and the event is dropped.
func (s *WebSocketServer) Send(id domain.ConnectionID, event domain.Event) error {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not attached", id)
	}

	select {
	case conn.send <- event:
		return nil
	case <-conn.quit:
		return fmt.Errorf("connection %s closing", id)
	default:
		return fmt.Errorf("connection %s send queue full", id)
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(r.URL.Query().Get("user_id"))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	// A client reconnecting before the server notices the dead socket may
	// present its previous connection id to resume. The id is a bearer
	// handle: whoever holds it owns the session.
	connID := domain.ConnectionID(r.URL.Query().Get("connection_id"))
	if connID == "" {
		connID = domain.ConnectionID(uuid.NewString())
	}

	conn := &wsConnection{
		id:   connID,
		ws:   ws,
		send: make(chan domain.Event, s.cfg.SendQueueSize),
		quit: make(chan struct{}),
	}

	s.mu.Lock()
	stale := s.conns[connID]
	s.conns[connID] = conn
	s.mu.Unlock()

	if stale != nil {
		// The new transport supersedes the stale one and inherits its
		// registry record, so a quick reconnect keeps room membership.
		stale.close()
		s.logger.Infow("stale connection superseded", "connection_id", connID)
	}
	if _, known := s.registry.Connection(connID); !known {
		s.registry.Register(connID, userID)
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}

	s.logger.Infow("signaling connection opened", "connection_id", conn.id, "remote", r.RemoteAddr)

	go s.writeLoop(conn)

	conn.send <- domain.Event{Type: domain.EventWelcome, From: conn.id}

	s.readLoop(conn)
	s.teardown(conn)
}

func (s *WebSocketServer) readLoop(conn *wsConnection) {
	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		var msg SignalMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read failed", "connection_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		err := s.dispatch(conn, msg)
		if s.metrics != nil {
			s.metrics.MessageHandled(msg.Type, err)
		}
		if err != nil {
			s.logger.Infow("message rejected",
				"connection_id", conn.id,
				"type", msg.Type,
				"error", err,
			)
			s.sendError(conn, err)
		}
	}
}

func (s *WebSocketServer) writeLoop(conn *wsConnection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteJSON(event); err != nil {
				s.logger.Debugw("write failed", "connection_id", conn.id, "error", err)
				conn.close()
				conn.ws.Close()
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				conn.ws.Close()
				return
			}
		case <-conn.quit:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away"))
			conn.ws.Close()
			return
		}
	}
}

// dispatch routes one envelope. A panic in a handler poisons only this
// message, not the connection.
func (s *WebSocketServer) dispatch(conn *wsConnection, msg SignalMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("panic handling signal message",
				"connection_id", conn.id,
				"type", msg.Type,
				"panic", r,
			)
			err = fmt.Errorf("internal error")
		}
	}()

	switch msg.Type {
	case "join":
		return s.handleJoin(conn, msg)
	case "leave":
		s.registry.Leave(conn.id)
		return nil
	case "offer":
		var payload SDPPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid offer payload: %w", err)
		}
		return s.router.RelayOffer(conn.id, msg.StreamID, msg.Target, payload.SDP)
	case "answer":
		var payload SDPPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid answer payload: %w", err)
		}
		return s.router.RelayAnswer(conn.id, msg.StreamID, msg.Target, payload.SDP)
	case "ice_candidate":
		var payload ICECandidatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid ice_candidate payload: %w", err)
		}
		if payload.Candidate == "" {
			return fmt.Errorf("candidate is required")
		}
		return s.router.RelayICECandidate(conn.id, msg.StreamID, msg.Target, payload.Candidate)
	case "connection_state":
		var payload ConnectionStatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid connection_state payload: %w", err)
		}
		return s.router.RelayConnectionState(conn.id, msg.StreamID, payload.State)
	case "broadcast_start":
		return s.router.RelayBroadcastStart(conn.id, msg.StreamID)
	case "broadcast_stop":
		return s.router.RelayBroadcastStop(conn.id, msg.StreamID)
	case "quality_change":
		var payload QualityChangePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid quality_change payload: %w", err)
		}
		return s.router.RelayQualityChange(conn.id, msg.StreamID, payload.Quality)
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(conn *wsConnection, msg SignalMessage) error {
	if msg.StreamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	var payload JoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid join payload: %w", err)
		}
	}

	role := domain.RoleViewer
	switch payload.Role {
	case "", string(domain.RoleViewer):
	case string(domain.RoleBroadcaster):
		role = domain.RoleBroadcaster
	default:
		return fmt.Errorf("unknown role: %s", payload.Role)
	}

	userID := payload.UserID
	if s.auth != nil {
		if payload.Token == "" {
			return fmt.Errorf("join token is required")
		}
		claims, err := s.auth.ValidateJoinToken(payload.Token)
		if err != nil {
			return err
		}
		if err := s.auth.AuthorizeJoin(claims, msg.StreamID, role); err != nil {
			return err
		}
		userID = claims.UserID
	}

	snap, err := s.registry.Join(conn.id, msg.StreamID, role, userID)
	if err != nil {
		return err
	}

	return s.Send(conn.id, domain.Event{
		Type:     domain.EventRoomJoined,
		From:     conn.id,
		StreamID: msg.StreamID,
		Role:     role,
		Members:  snap.Members,
	})
}

func (s *WebSocketServer) sendError(conn *wsConnection, cause error) {
	event := domain.Event{Type: domain.EventError, Message: cause.Error()}
	select {
	case conn.send <- event:
	default:
	}
}

func (s *WebSocketServer) teardown(conn *wsConnection) {
	// Only the connection the map still points at owns the registry record;
	// a superseded socket tears down its transport and nothing else.
	s.mu.Lock()
	current, tracked := s.conns[conn.id]
	owner := tracked && current == conn
	if owner {
		delete(s.conns, conn.id)
	}
	s.mu.Unlock()

	if owner {
		if evicted, ok := s.registry.OnDisconnect(conn.id); ok {
			s.logger.Infow("connection evicted from room", "connection_id", conn.id, "stream_id", evicted)
		}
	}
	conn.close()
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	s.logger.Infow("signaling connection closed", "connection_id", conn.id, "superseded", !owner)
}

// ConnectionCount reports attached transport sessions.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown closes every connection. Each connection's writer emits the
// going-away frame, keeping all socket writes on the one goroutine.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	conns := make([]*wsConnection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// IsConnected reports whether the transport still tracks the connection.
func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}
