// Package notifier fans committed config changes out to subscribed push
// sessions over websocket, with an optional redis bridge so changes written
// on one node reach sessions connected to another.
package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/confhub/confhub/pkg/metrics"
	"github.com/confhub/confhub/pkg/models"
)

// Config tunes heartbeat and backpressure behavior.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendQueueSize     int
	ReadLimit         int64
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Hub tracks every live push session and delivers change events to the ones
// subscribed to the affected scope. Delivery is fire-and-forget per session:
// a session whose outbound queue is full is dropped and must reconnect.
type Hub struct {
	logger *zap.Logger
	cfg    Config
	nodeID string
	rdb    *redis.Client

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a hub. rdb may be nil for single-node deployments.
func NewHub(logger *zap.Logger, cfg Config, rdb *redis.Client) *Hub {
	return &Hub{
		logger: logger,
		cfg:    cfg.withDefaults(),
		nodeID: uuid.NewString(),
		rdb:    rdb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Run drives the heartbeat sweep and, when redis is configured, the
// cross-node change subscription. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb != nil {
		go h.runRedisBridge(ctx)
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// ServeWS upgrades an HTTP request into a push session. The subscription
// scope comes from the service and env query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	env := r.URL.Query().Get("env")
	if service == "" || env == "" {
		http.Error(w, "service and env query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(h, conn, service, env)
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	sess.sendAck()
	go sess.writePump()
	go sess.readPump()

	h.logger.Info("push session connected",
		zap.String("connection_id", sess.ID),
		zap.String("service", service),
		zap.String("environment", env))
}

// Publish delivers a committed change to every session subscribed to the
// event's scope, and to peer nodes via redis when configured. It never
// blocks on a slow session.
func (h *Hub) Publish(ctx context.Context, event *models.ChangeEvent) {
	event.Origin = h.nodeID
	h.broadcast(event)

	if h.rdb != nil {
		raw, err := json.Marshal(event)
		if err != nil {
			return
		}
		channel := "confhub:changes:" + event.ServiceName + ":" + event.Environment
		if err := h.rdb.Publish(ctx, channel, raw).Err(); err != nil {
			h.logger.Warn("redis change publish failed", zap.Error(err))
		}
	}
}

func (h *Hub) broadcast(event *models.ChangeEvent) {
	payload, err := json.Marshal(&models.ChangePayload{
		ConfigKey:   event.ConfigKey,
		ConfigValue: event.ConfigValue,
		Version:     event.Version,
		ChangeType:  event.ChangeType,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(&models.PushMessage{Type: models.MsgConfigChanged, Data: payload})
	if err != nil {
		return
	}

	start := time.Now()
	var dropped []*Session
	h.mu.RLock()
	for _, sess := range h.sessions {
		if !sess.subscribedTo(event.ServiceName, event.Environment) {
			continue
		}
		if !sess.enqueue(frame) {
			dropped = append(dropped, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range dropped {
		h.drop(sess, "backpressure")
	}

	metrics.ChangesPublished.WithLabelValues(event.ChangeType).Inc()
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}

// runRedisBridge replays changes published by peer nodes into local sessions.
func (h *Hub) runRedisBridge(ctx context.Context) {
	sub := h.rdb.PSubscribe(ctx, "confhub:changes:*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Warn("malformed change event from redis", zap.Error(err))
				continue
			}
			if event.Origin == h.nodeID {
				continue // already delivered locally
			}
			h.broadcast(&event)
		}
	}
}

// sweep pings every session and terminates the ones that missed a pong.
func (h *Hub) sweep() {
	deadline := time.Now().Add(-(h.cfg.HeartbeatInterval + h.cfg.HeartbeatTimeout))
	ping, _ := json.Marshal(&models.PushMessage{Type: models.MsgPing, Timestamp: time.Now().UnixMilli()})

	var dead []*Session
	h.mu.RLock()
	for _, sess := range h.sessions {
		if sess.lastPongTime().Before(deadline) {
			dead = append(dead, sess)
			continue
		}
		if !sess.enqueue(ping) {
			dead = append(dead, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range dead {
		h.drop(sess, "heartbeat_timeout")
	}
}

// drop removes a session and closes its connection.
func (h *Hub) drop(sess *Session, reason string) {
	h.mu.Lock()
	_, present := h.sessions[sess.ID]
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
	if !present {
		return
	}

	sess.close()
	metrics.WSConnections.Dec()
	metrics.SessionsDropped.WithLabelValues(reason).Inc()
	h.logger.Info("push session dropped",
		zap.String("connection_id", sess.ID),
		zap.String("reason", reason))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
		metrics.WSConnections.Dec()
	}
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
