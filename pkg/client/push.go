package client

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confhub/confhub/pkg/models"
)

// wsEndpoint derives the push URL from the server URL and subscription scope.
func (c *Client) wsEndpoint() (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("service", c.opts.ServiceName)
	q.Set("env", c.opts.Environment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials the push endpoint and starts the receive loop. On success it
// resets the reconnect budget.
func (c *Client) connect() error {
	endpoint, err := c.wsEndpoint()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	reconnected := c.state == StateReconnecting
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("push connection established",
		zap.String("service", c.opts.ServiceName),
		zap.String("environment", c.opts.Environment))

	go c.readLoop(conn)

	if reconnected && c.opts.RefreshOnReconnect {
		go func() {
			if err := c.Refresh(context.Background()); err != nil {
				c.logger.Warn("post-reconnect refresh failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// readLoop processes push messages strictly in receipt order, preserving
// per-key causal ordering. Any connection error drives reconnection; errors
// are never surfaced to SDK consumers.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(raw)
	}

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("push connection lost")
	c.scheduleReconnect()
}

func (c *Client) handleMessage(raw []byte) {
	var msg models.PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("malformed push message", zap.Error(err))
		return
	}

	switch msg.Type {
	case models.MsgConnectionAck:
		c.logger.Debug("push connection acknowledged")
	case models.MsgConfigChanged:
		var change models.ChangePayload
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			c.logger.Warn("malformed change payload", zap.Error(err))
			return
		}
		c.applyChange(&change)
	case models.MsgPing:
		c.sendPong()
	}
}

// applyChange patches the single key in the cache and notifies listeners.
// No full refresh: the transport preserves order, so applying in receipt
// order keeps per-key causality.
func (c *Client) applyChange(change *models.ChangePayload) {
	c.mu.Lock()
	oldValue := c.configs[change.ConfigKey]
	if change.ChangeType == models.ChangeTypeDelete {
		delete(c.configs, change.ConfigKey)
	} else {
		c.configs[change.ConfigKey] = change.ConfigValue
	}
	c.version = change.Version
	c.mu.Unlock()

	c.logger.Debug("config changed",
		zap.String("key", change.ConfigKey),
		zap.String("change_type", change.ChangeType),
		zap.Int64("version", change.Version))

	c.notifyListeners(change.ConfigKey, change.ConfigValue, oldValue)
}

// sendPong answers a server ping immediately; liveness replies are driven by
// the incoming ping, not a local timer, so there is no drift to manage.
func (c *Client) sendPong() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	frame, _ := json.Marshal(&models.PushMessage{
		Type:      models.MsgPong,
		Timestamp: time.Now().UnixMilli(),
	})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug("pong write failed", zap.Error(err))
	}
}

// scheduleReconnect arms the single owned reconnect timer with exponential
// backoff. After the attempt budget is spent the client stops for good and
// surfaces ErrMaxReconnect; a new Init resets it.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.state = StateDisconnected
		c.terminalErr = ErrMaxReconnect
		onError := c.opts.OnError
		c.mu.Unlock()

		c.logger.Error("reconnect budget exhausted, giving up")
		if onError != nil {
			onError(ErrMaxReconnect)
		}
		return
	}

	delay := backoffDelay(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, c.attempts)
	c.attempts++
	c.state = StateReconnecting
	attempt := c.attempts
	c.timer = time.AfterFunc(delay, func() {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}
		if err := c.connect(); err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()

	c.logger.Info("reconnecting",
		zap.Duration("delay", delay), zap.Int("attempt", attempt))
}

// backoffDelay is min(base * 2^attempt, maxDelay).
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return maxDelay
	}
	d := base << uint(attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
