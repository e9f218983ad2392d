// Package client is the consumer SDK for the config center: a local cache of
// the subscribed scope, kept current by a push connection, with per-key and
// global change listeners and reconnect with exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confhub/confhub/pkg/models"
)

// State is the SDK's connection lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChangeFunc is a per-key listener: new value, old value, and change
// metadata.
type ChangeFunc func(newValue, oldValue interface{}, meta ChangeMeta)

// GlobalChangeFunc is a whole-scope listener invoked for every key change.
type GlobalChangeFunc func(change Change)

// ChangeMeta describes the scope and key of a change.
type ChangeMeta struct {
	Key         string
	ServiceName string
	Environment string
}

// Change is the payload handed to global listeners.
type Change struct {
	Key         string
	NewValue    interface{}
	OldValue    interface{}
	ServiceName string
	Environment string
}

// Options configures a Client.
type Options struct {
	ServerURL   string // default http://localhost:8080
	ServiceName string // required
	Environment string // default dev
	APIKey      string

	Logger      *zap.Logger
	HTTPTimeout time.Duration

	ReconnectBaseDelay   time.Duration // default 1s
	ReconnectMaxDelay    time.Duration // default 30s
	MaxReconnectAttempts int           // default 10

	// RefreshOnReconnect forces a full refresh after every successful
	// reconnect so changes published during the outage are reconciled, at
	// the cost of one extra round trip. Off by default to match the
	// established protocol behavior.
	RefreshOnReconnect bool

	// OnError receives terminal errors such as ErrMaxReconnect. Optional.
	OnError func(error)
}

func (o Options) withDefaults() Options {
	if o.ServerURL == "" {
		o.ServerURL = "http://localhost:8080"
	}
	if o.Environment == "" {
		o.Environment = "dev"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 10 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	return o
}

// listenerRegistry keeps callbacks in registration order with O(1) removal
// by handle. Handles are monotonically increasing, so dispatching in
// ascending handle order is registration order.
type listenerRegistry struct {
	keyed  map[string]map[uint64]ChangeFunc
	global map[uint64]GlobalChangeFunc
	next   uint64
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		keyed:  make(map[string]map[uint64]ChangeFunc),
		global: make(map[uint64]GlobalChangeFunc),
	}
}

// Client is one independent SDK instance owning its own connection, cache
// and listener registry. Multiple instances coexist in one process.
type Client struct {
	opts   Options
	logger *zap.Logger
	httpc  *http.Client

	mu          sync.RWMutex // guards everything below
	state       State
	configs     map[string]interface{}
	version     int64
	listeners   *listenerRegistry
	conn        *websocket.Conn
	timer       *time.Timer
	attempts    int
	terminalErr error
	initialized bool
	closed      bool

	writeMu sync.Mutex // serializes websocket writes (pong vs close)
}

// New creates a Client. Call Init to load the cache and open the push
// connection.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:      opts,
		logger:    opts.Logger,
		httpc:     &http.Client{Timeout: opts.HTTPTimeout},
		state:     StateUninitialized,
		configs:   make(map[string]interface{}),
		listeners: newListenerRegistry(),
	}
}

// Init performs one full refresh and opens the push connection. It returns
// ErrServiceNameRequired when no service name was configured, or the fetch
// error when the initial refresh fails. Calling Init on a closed client
// resets it.
func (c *Client) Init(ctx context.Context) error {
	if c.opts.ServiceName == "" {
		return ErrServiceNameRequired
	}

	c.mu.Lock()
	c.state = StateInitializing
	c.closed = false
	c.terminalErr = nil
	c.attempts = 0
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.mu.Lock()
		c.state = StateUninitialized
		c.mu.Unlock()
		return err
	}

	if err := c.connect(); err != nil {
		// cache is loaded; reconnection takes over from here
		c.logger.Warn("push connection failed, scheduling reconnect", zap.Error(err))
		c.scheduleReconnect()
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Refresh fetches the full scope from the server and reconciles the local
// cache, notifying listeners for every key whose value changed. The cache
// swap is atomic with respect to concurrent Get calls.
func (c *Client) Refresh(ctx context.Context) error {
	resp, err := c.fetchBatch(ctx)
	if err != nil {
		return err
	}

	newConfigs := resp.Configs
	if newConfigs == nil {
		newConfigs = make(map[string]interface{})
	}

	c.mu.Lock()
	old := c.configs
	var changes []Change
	for key, newValue := range newConfigs {
		oldValue, had := old[key]
		if !had || !equalValues(oldValue, newValue) {
			changes = append(changes, Change{Key: key, NewValue: newValue, OldValue: oldValue})
		}
	}
	for key, oldValue := range old {
		if _, still := newConfigs[key]; !still {
			changes = append(changes, Change{Key: key, NewValue: nil, OldValue: oldValue})
		}
	}
	c.configs = newConfigs
	c.version = resp.Version
	c.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	for _, ch := range changes {
		c.notifyListeners(ch.Key, ch.NewValue, ch.OldValue)
	}
	return nil
}

// Get returns the cached value for a key. A flat key wins even when it
// contains dots ("database.host" stored as-is); otherwise the key is walked
// as a dot-delimited path through nested objects. Missing segments or
// non-object intermediates yield the default. Never fails.
func (c *Client) Get(key string, defaultValue interface{}) interface{} {
	// the lock is held across the whole walk: applyChange mutates the cache
	// map in place, so releasing early would race with push traffic
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		c.logger.Warn("config client not initialized, returning default", zap.String("key", key))
	}

	if direct, hit := c.configs[key]; hit {
		if direct == nil {
			return defaultValue
		}
		return direct
	}

	var current interface{} = mapAsAny(c.configs)
	for _, segment := range strings.Split(key, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return defaultValue
		}
		current, ok = obj[segment]
		if !ok {
			return defaultValue
		}
	}
	if current == nil {
		return defaultValue
	}
	return current
}

func mapAsAny(m map[string]interface{}) interface{} {
	return map[string]interface{}(m)
}

// GetAll returns a shallow copy of the cache.
func (c *Client) GetAll() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.configs))
	for k, v := range c.configs {
		out[k] = v
	}
	return out
}

// Version returns the last known scope version.
func (c *Client) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the terminal error, if any (for example ErrMaxReconnect).
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminalErr
}

// OnChange registers a listener for one key. The returned function removes
// exactly that registration and is safe to call more than once.
func (c *Client) OnChange(key string, fn ChangeFunc) func() {
	c.mu.Lock()
	handle := c.listeners.next
	c.listeners.next++
	if c.listeners.keyed[key] == nil {
		c.listeners.keyed[key] = make(map[uint64]ChangeFunc)
	}
	c.listeners.keyed[key][handle] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if set := c.listeners.keyed[key]; set != nil {
			delete(set, handle)
			if len(set) == 0 {
				delete(c.listeners.keyed, key)
			}
		}
		c.mu.Unlock()
	}
}

// On registers a global listener for the "change" event, invoked for every
// key change in the scope.
func (c *Client) On(event string, fn GlobalChangeFunc) func() {
	if event != "change" {
		return func() {}
	}
	c.mu.Lock()
	handle := c.listeners.next
	c.listeners.next++
	c.listeners.global[handle] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners.global, handle)
		c.mu.Unlock()
	}
}

// Close shuts the client down: cancels any pending reconnect, closes the
// connection, clears listeners and cache. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.initialized = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.configs = make(map[string]interface{})
	c.version = 0
	c.listeners = newListenerRegistry()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// notifyListeners dispatches a change to per-key listeners (registration
// order) then global listeners. Listener panics are contained and logged so
// one bad callback cannot take down the receive loop.
func (c *Client) notifyListeners(key string, newValue, oldValue interface{}) {
	c.mu.RLock()
	var keyed []ChangeFunc
	if set := c.listeners.keyed[key]; set != nil {
		handles := make([]uint64, 0, len(set))
		for h := range set {
			handles = append(handles, h)
		}
		sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
		for _, h := range handles {
			keyed = append(keyed, set[h])
		}
	}
	globals := make([]GlobalChangeFunc, 0, len(c.listeners.global))
	handles := make([]uint64, 0, len(c.listeners.global))
	for h := range c.listeners.global {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		globals = append(globals, c.listeners.global[h])
	}
	c.mu.RUnlock()

	meta := ChangeMeta{Key: key, ServiceName: c.opts.ServiceName, Environment: c.opts.Environment}
	for _, fn := range keyed {
		c.safeInvoke(func() { fn(newValue, oldValue, meta) })
	}
	change := Change{
		Key:         key,
		NewValue:    newValue,
		OldValue:    oldValue,
		ServiceName: c.opts.ServiceName,
		Environment: c.opts.Environment,
	}
	for _, fn := range globals {
		c.safeInvoke(func() { fn(change) })
	}
}

func (c *Client) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("config listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// fetchBatch performs the batch fetch and unwraps the response envelope.
func (c *Client) fetchBatch(ctx context.Context) (*models.BatchGetResponse, error) {
	body, err := json.Marshal(&models.BatchGetRequest{
		ServiceName: c.opts.ServiceName,
		Environment: c.opts.Environment,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.opts.ServerURL, "/") + "/api/v1/configs/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &FetchError{cause: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &FetchError{Status: httpResp.StatusCode, cause: err}
	}

	var env struct {
		Code    int                      `json:"code"`
		Message string                   `json:"message"`
		Data    *models.BatchGetResponse `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &FetchError{Status: httpResp.StatusCode, cause: fmt.Errorf("invalid response: %w", err)}
	}
	if env.Code != 0 || env.Data == nil {
		return nil, &FetchError{Status: httpResp.StatusCode,
			cause: fmt.Errorf("server returned code %d: %s", env.Code, env.Message)}
	}
	return env.Data, nil
}

func equalValues(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
