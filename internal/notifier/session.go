package notifier

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confhub/confhub/pkg/models"
)

// Session is one live push connection with its subscription scope.
type Session struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu          sync.RWMutex
	serviceName string
	environment string

	lastPong  atomic.Int64 // unix milliseconds
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, service, env string) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendQueueSize),
		done:        make(chan struct{}),
		serviceName: service,
		environment: env,
	}
	s.lastPong.Store(time.Now().UnixMilli())
	return s
}

func (s *Session) subscribedTo(service, env string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serviceName == service && s.environment == env
}

func (s *Session) lastPongTime() time.Time {
	return time.UnixMilli(s.lastPong.Load())
}

// enqueue offers a frame to the session's outbound queue without blocking.
// Returns false when the queue is full; the hub then drops the session.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true // already closing, nothing to report
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) sendAck() {
	payload, _ := json.Marshal(&models.AckPayload{
		ConnectionID: s.ID,
		ServiceName:  s.serviceName,
		Environment:  s.environment,
		Timestamp:    time.Now().UnixMilli(),
	})
	frame, _ := json.Marshal(&models.PushMessage{Type: models.MsgConnectionAck, Data: payload})
	s.enqueue(frame)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes client messages: pong replies to our pings and subscribe
// messages switching the session's scope.
func (s *Session) readPump() {
	defer s.hub.drop(s, "read_closed")

	s.conn.SetReadLimit(s.hub.cfg.ReadLimit)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.PushMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.hub.logger.Debug("malformed client message",
				zap.String("connection_id", s.ID), zap.Error(err))
			continue
		}

		switch msg.Type {
		case models.MsgPong:
			s.lastPong.Store(time.Now().UnixMilli())
		case models.MsgSubscribe:
			var sub models.SubscribePayload
			if err := json.Unmarshal(msg.Data, &sub); err != nil || sub.ServiceName == "" || sub.Environment == "" {
				continue
			}
			s.mu.Lock()
			s.serviceName = sub.ServiceName
			s.environment = sub.Environment
			s.mu.Unlock()
		}
	}
}

// writePump drains the outbound queue onto the wire until the session is
// closed or a write fails.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}
