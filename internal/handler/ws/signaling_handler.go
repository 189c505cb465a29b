package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/database"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/signaling"
)

// Dispatcher handles one signaling request and produces its acknowledgement
type Dispatcher interface {
	Dispatch(ctx context.Context, senderID uuid.UUID, req *signaling.Request) *signaling.Ack
}

// Presence records which users hold live connections across instances
type Presence interface {
	AddConnection(ctx context.Context, userID uuid.UUID, connID string) error
	RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// HubConfig configures a SignalingHub. Redis, Presence and Metrics may be nil,
// in which case delivery and presence are local to this process.
type HubConfig struct {
	Redis          *database.RedisClient
	Presence       Presence
	Metrics        *metrics.Metrics
	MaxConnections int
	AllowedOrigins []string
}

// SignalingHub keeps every signaling connection of every user on this instance
// and delivers events to them. Events for a user are published on
// signal:user:<id> so that connections on other instances receive them too.
type SignalingHub struct {
	// Registered clients per user
	users map[uuid.UUID]map[*SignalingClient]bool

	// Cancel functions for per-user subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	redis    *database.RedisClient
	presence Presence
	metrics  *metrics.Metrics

	dispatcher Dispatcher

	mu sync.RWMutex

	register   chan *SignalingClient
	unregister chan *SignalingClient
	done       chan struct{}
	closeOnce  sync.Once

	maxConnections int
	semaphore      chan struct{}
	upgrader       websocket.Upgrader
}

// SignalingClient is one WebSocket connection of a user
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignalingHub creates a hub and starts its registration loop
func NewSignalingHub(cfg HubConfig) *SignalingHub {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}

	hub := &SignalingHub{
		users:               make(map[uuid.UUID]map[*SignalingClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		redis:               cfg.Redis,
		presence:            cfg.Presence,
		metrics:             cfg.Metrics,
		register:            make(chan *SignalingClient),
		unregister:          make(chan *SignalingClient),
		done:                make(chan struct{}),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	go hub.run()

	return hub
}

// SetDispatcher attaches the request handler. It must be called before ServeWS.
func (h *SignalingHub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// originChecker accepts connections without an Origin header (native clients)
// and browser connections from allowed origins. An empty list allows any origin.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return allowed[origin]
	}
}

func userChannel(userID uuid.UUID) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

// run handles hub operations
func (h *SignalingHub) run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*SignalingClient]bool)

				if h.redis != nil {
					ctx, cancel := context.WithCancel(context.Background())
					h.subscriptionCancels[client.userID] = cancel
					go h.subscribeToUser(ctx, client.userID)
				}
			}
			h.users[client.userID][client] = true
			h.mu.Unlock()

			if h.presence != nil {
				if err := h.presence.AddConnection(client.ctx, client.userID, client.id); err != nil {
					logger.Warn("Failed to record presence",
						zap.String("user_id", client.userID.String()),
						zap.Error(err))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.users[client.userID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					client.cancel()

					if len(clients) == 0 {
						if cancel, ok := h.subscriptionCancels[client.userID]; ok {
							cancel()
							delete(h.subscriptionCancels, client.userID)
						}
						delete(h.users, client.userID)
					}
				}
			}
			h.mu.Unlock()

			if h.presence != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := h.presence.RemoveConnection(ctx, client.userID, client.id); err != nil {
					logger.Warn("Failed to clear presence",
						zap.String("user_id", client.userID.String()),
						zap.Error(err))
				}
				cancel()
			}
		}
	}
}

// subscribeToUser relays events published for userID by any instance to local connections
func (h *SignalingHub) subscribeToUser(ctx context.Context, userID uuid.UUID) {
	pubsub := h.redis.Client.Subscribe(ctx, userChannel(userID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to subscribe to Redis channel",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.deliverLocal(userID, []byte(msg.Payload))
		}
	}
}

// NotifyUser delivers ev to every connection of userID on any instance
func (h *SignalingHub) NotifyUser(ctx context.Context, userID uuid.UUID, ev *signaling.Event) error {
	data, err := json.Marshal(signaling.Frame{Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if h.redis != nil && !h.redis.IsDegraded() {
		err := h.redis.SafePublish(ctx, userChannel(userID), data).Err()
		if err == nil {
			return nil
		}
		logger.Warn("Failed to publish signaling event, delivering locally",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}

	h.deliverLocal(userID, data)
	return nil
}

// IsOnline reports whether userID has a live signaling connection
func (h *SignalingHub) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	if h.presence != nil {
		online, err := h.presence.IsOnline(ctx, userID)
		if err == nil {
			return online, nil
		}
		logger.Debug("Presence lookup failed, using local connections", zap.Error(err))
	}
	return h.ConnectionCount(userID) > 0, nil
}

// ConnectionCount returns the number of local connections of userID
func (h *SignalingHub) ConnectionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *SignalingHub) deliverLocal(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.users[userID] {
		select {
		case client.send <- data:
			if h.metrics != nil {
				h.metrics.RecordWebSocketMessage("event", "outbound")
			}
		default:
			// slow consumer; closing the connection makes readPump unregister it
			logger.Warn("Signaling send buffer full, dropping connection",
				zap.String("user_id", userID.String()))
			client.conn.Close()
		}
	}
}

// Close stops the hub and closes every connection
func (h *SignalingHub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		for _, clients := range h.users {
			for client := range clients {
				client.conn.Close()
			}
		}
		for _, cancel := range h.subscriptionCancels {
			cancel()
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// ServeWS upgrades an authenticated request to a signaling connection
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		appErr := apperrors.ServiceUnavailableError("Server at capacity, please try again later")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	userIDVal, exists := c.Get("user_id")
	userID, ok := userIDVal.(uuid.UUID)
	if !exists || !ok {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("upgrade")
		}
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     uuid.New().String(),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	if h.metrics != nil {
		h.metrics.IncWebSocketConnections()
	}
	logger.Debug("Signaling connection opened",
		zap.String("user_id", userID.String()),
		zap.String("conn_id", client.id))

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		cancel()
		<-h.semaphore
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads requests in order and answers each with an ack frame
func (c *SignalingClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		<-c.hub.semaphore
		if c.hub.metrics != nil {
			c.hub.metrics.DecWebSocketConnections()
		}
		logger.Debug("Signaling connection closed",
			zap.String("user_id", c.userID.String()),
			zap.String("conn_id", c.id))
	}()

	c.conn.SetReadLimit(constants.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		if c.hub.presence != nil {
			if err := c.hub.presence.Refresh(c.ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence", zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))

		ack := c.handle(message)
		data, err := json.Marshal(signaling.Frame{Ack: ack})
		if err != nil {
			logger.Error("Failed to marshal ack", zap.Error(err))
			continue
		}

		select {
		case c.send <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *SignalingClient) handle(message []byte) *signaling.Ack {
	if c.hub.metrics != nil {
		c.hub.metrics.RecordWebSocketMessage("request", "inbound")
	}

	var req signaling.Request
	if err := json.Unmarshal(message, &req); err != nil || req.Type == "" {
		logger.Debug("Invalid signaling frame",
			zap.String("user_id", c.userID.String()),
			zap.Error(err))
		return &signaling.Ack{ID: req.ID, Error: string(apperrors.ErrCodeInvalidPayload)}
	}

	ctx, cancel := context.WithTimeout(c.ctx, constants.DefaultTimeout)
	defer cancel()
	return c.hub.dispatcher.Dispatch(ctx, c.userID, &req)
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if c.hub.metrics != nil {
					c.hub.metrics.RecordWebSocketError("write")
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
