package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confhub/confhub/pkg/models"
)

// fakeServer emulates the config service: the batch endpoint plus the push
// endpoint. Pushed frames are written to whichever session is connected.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	batch    models.BatchGetResponse
	conns    chan *websocket.Conn
	inbound  chan models.PushMessage
	rejectWS bool
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		conns:   make(chan *websocket.Conn, 8),
		inbound: make(chan models.PushMessage, 8),
		batch: models.BatchGetResponse{
			ServiceName: "orders",
			Environment: "dev",
			Version:     1,
			Configs:     map[string]interface{}{},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/configs/batch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		resp := f.batch
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "message": "success", "data": resp,
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectWS
		f.mu.Unlock()
		if reject {
			http.Error(w, "no", http.StatusServiceUnavailable)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		go func() {
			for {
				var msg models.PushMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				f.inbound <- msg
			}
		}()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) setBatch(version int64, configs map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch.Version = version
	f.batch.Configs = configs
}

func (f *fakeServer) waitConn(t *testing.T) *websocket.Conn {
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no push session connected")
		return nil
	}
}

func (f *fakeServer) push(t *testing.T, conn *websocket.Conn, change models.ChangePayload) {
	payload, err := json.Marshal(change)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.PushMessage{
		Type: models.MsgConfigChanged,
		Data: payload,
	}))
}

func newTestClient(t *testing.T, f *fakeServer, mutate func(*Options)) *Client {
	opts := Options{
		ServerURL:            f.srv.URL,
		ServiceName:          "orders",
		Environment:          "dev",
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func TestBackoffDelaySequence(t *testing.T) {
	base := time.Second
	maxDelay := 30 * time.Second

	assert.Equal(t, 1*time.Second, backoffDelay(base, maxDelay, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, maxDelay, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, maxDelay, 2))
	assert.Equal(t, 16*time.Second, backoffDelay(base, maxDelay, 4))
	assert.Equal(t, maxDelay, backoffDelay(base, maxDelay, 5))
	assert.Equal(t, maxDelay, backoffDelay(base, maxDelay, 20))
	assert.Equal(t, maxDelay, backoffDelay(base, maxDelay, 64), "huge attempts must not overflow")
}

func TestGetDotPath(t *testing.T) {
	c := New(Options{ServiceName: "orders"})
	c.mu.Lock()
	c.initialized = true
	c.configs = map[string]interface{}{
		"database": map[string]interface{}{
			"host": "db1.internal",
			"pool": map[string]interface{}{"size": float64(20)},
		},
		"timeout": float64(30),
		"flags":   nil,
	}
	c.mu.Unlock()

	assert.Equal(t, "db1.internal", c.Get("database.host", "fallback"))
	assert.Equal(t, float64(20), c.Get("database.pool.size", nil))
	assert.Equal(t, float64(30), c.Get("timeout", float64(0)))

	// missing leaf, missing root, and traversal through a non-object
	assert.Equal(t, "fallback", c.Get("database.port", "fallback"))
	assert.Equal(t, "fallback", c.Get("nope", "fallback"))
	assert.Equal(t, "fallback", c.Get("timeout.nested", "fallback"))
	// a key stored as nil still yields the default
	assert.Equal(t, "fallback", c.Get("flags", "fallback"))
}

func TestGetConcurrentWithPushApply(t *testing.T) {
	c := New(Options{ServiceName: "orders"})
	c.mu.Lock()
	c.initialized = true
	c.configs = map[string]interface{}{
		"database": map[string]interface{}{"host": "db1.internal"},
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.applyChange(&models.ChangePayload{
				ConfigKey:   fmt.Sprintf("key.%d", i),
				ConfigValue: i,
				Version:     int64(i + 1),
				ChangeType:  models.ChangeTypeUpdate,
			})
		}
	}()

	// nested walks must stay coherent while pushes rewrite the cache
	for i := 0; i < 500; i++ {
		assert.Equal(t, "db1.internal", c.Get("database.host", nil))
	}
	<-done
	assert.Equal(t, int64(500), c.Version())
}

func TestGetBeforeInitReturnsDefault(t *testing.T) {
	c := New(Options{ServiceName: "orders"})
	assert.Equal(t, 42, c.Get("anything", 42))
}

func TestInitRequiresServiceName(t *testing.T) {
	c := New(Options{})
	err := c.Init(context.Background())
	assert.ErrorIs(t, err, ErrServiceNameRequired)
}

func TestInitFetchFailureSurfaces(t *testing.T) {
	c := New(Options{ServerURL: "http://127.0.0.1:1", ServiceName: "orders",
		HTTPTimeout: 200 * time.Millisecond, MaxReconnectAttempts: 1})
	defer c.Close()

	err := c.Init(context.Background())
	require.Error(t, err)
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, StateUninitialized, c.State())
}

func TestInitLoadsCacheAndConnects(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(3, map[string]interface{}{"database.host": "db1.internal"})

	c := newTestClient(t, f, nil)
	require.NoError(t, c.Init(context.Background()))
	f.waitConn(t)

	assert.Equal(t, "db1.internal", c.Get("database.host", nil))
	assert.Equal(t, int64(3), c.Version())
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPushChangeUpdatesCacheAndNotifies(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(1, map[string]interface{}{"database.host": "db1.internal"})

	c := newTestClient(t, f, nil)

	type call struct{ newValue, oldValue interface{} }
	calls := make(chan call, 4)
	c.OnChange("database.host", func(newValue, oldValue interface{}, meta ChangeMeta) {
		assert.Equal(t, "database.host", meta.Key)
		assert.Equal(t, "orders", meta.ServiceName)
		calls <- call{newValue, oldValue}
	})

	require.NoError(t, c.Init(context.Background()))
	conn := f.waitConn(t)

	f.push(t, conn, models.ChangePayload{
		ConfigKey:   "database.host",
		ConfigValue: "db2.internal",
		Version:     2,
		ChangeType:  models.ChangeTypeUpdate,
	})

	select {
	case got := <-calls:
		assert.Equal(t, "db2.internal", got.newValue)
		assert.Equal(t, "db1.internal", got.oldValue)
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not invoked")
	}
	assert.Equal(t, "db2.internal", c.Get("database.host", nil))
	assert.Equal(t, int64(2), c.Version())
}

func TestPushDeleteRemovesKey(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(1, map[string]interface{}{"feature.flag": true})

	c := newTestClient(t, f, nil)
	require.NoError(t, c.Init(context.Background()))
	conn := f.waitConn(t)

	f.push(t, conn, models.ChangePayload{
		ConfigKey:  "feature.flag",
		Version:    2,
		ChangeType: models.ChangeTypeDelete,
	})

	require.Eventually(t, func() bool {
		return c.Get("feature.flag", "gone") == "gone"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f, nil)
	require.NoError(t, c.Init(context.Background()))
	conn := f.waitConn(t)

	require.NoError(t, conn.WriteJSON(models.PushMessage{
		Type: models.MsgPing, Timestamp: time.Now().UnixMilli(),
	}))

	select {
	case msg := <-f.inbound:
		assert.Equal(t, models.MsgPong, msg.Type)
		assert.NotZero(t, msg.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestOnChangeUnsubscribe(t *testing.T) {
	c := New(Options{ServiceName: "orders"})

	var mu sync.Mutex
	var order []string
	unsub1 := c.OnChange("k", func(_, _ interface{}, _ ChangeMeta) {
		mu.Lock()
		order = append(order, "cb1")
		mu.Unlock()
	})
	c.OnChange("k", func(_, _ interface{}, _ ChangeMeta) {
		mu.Lock()
		order = append(order, "cb2")
		mu.Unlock()
	})

	c.notifyListeners("k", "v1", nil)
	unsub1()
	unsub1() // removing twice is harmless
	c.notifyListeners("k", "v2", "v1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"cb1", "cb2", "cb2"}, order)
}

func TestGlobalChangeListener(t *testing.T) {
	c := New(Options{ServiceName: "orders", Environment: "dev"})

	changes := make(chan Change, 2)
	unsub := c.On("change", func(ch Change) { changes <- ch })
	assert.NotNil(t, c.On("unknown-event", func(Change) {}))

	c.notifyListeners("database.host", "b", "a")
	got := <-changes
	assert.Equal(t, "database.host", got.Key)
	assert.Equal(t, "b", got.NewValue)
	assert.Equal(t, "a", got.OldValue)
	assert.Equal(t, "orders", got.ServiceName)
	assert.Equal(t, "dev", got.Environment)

	unsub()
	c.notifyListeners("database.host", "c", "b")
	select {
	case <-changes:
		t.Fatal("listener invoked after unsubscribe")
	default:
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	c := New(Options{ServiceName: "orders"})

	invoked := false
	c.OnChange("k", func(_, _ interface{}, _ ChangeMeta) { panic("boom") })
	c.OnChange("k", func(_, _ interface{}, _ ChangeMeta) { invoked = true })

	c.notifyListeners("k", "v", nil)
	assert.True(t, invoked, "a panicking listener must not block the rest")
}

func TestRefreshNotifiesDiffsOnly(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(1, map[string]interface{}{"a": "1", "b": "2", "c": "3"})

	c := newTestClient(t, f, nil)
	require.NoError(t, c.Refresh(context.Background()))

	var mu sync.Mutex
	var seen []Change
	c.On("change", func(ch Change) {
		mu.Lock()
		seen = append(seen, ch)
		mu.Unlock()
	})

	// b changes, c disappears, a stays put
	f.setBatch(2, map[string]interface{}{"a": "1", "b": "20"})
	require.NoError(t, c.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "b", seen[0].Key)
	assert.Equal(t, "20", seen[0].NewValue)
	assert.Equal(t, "2", seen[0].OldValue)
	assert.Equal(t, "c", seen[1].Key)
	assert.Nil(t, seen[1].NewValue)
	assert.Equal(t, int64(2), c.Version())
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.rejectWS = true
	f.mu.Unlock()

	terminal := make(chan error, 1)
	c := newTestClient(t, f, func(o *Options) {
		o.MaxReconnectAttempts = 2
		o.OnError = func(err error) { terminal <- err }
	})

	// the cache loads fine; only the push connection is refused
	require.NoError(t, c.Init(context.Background()))

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, ErrMaxReconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal error never surfaced")
	}
	assert.ErrorIs(t, c.Err(), ErrMaxReconnect)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(1, map[string]interface{}{"k": "v"})

	c := newTestClient(t, f, func(o *Options) {
		o.MaxReconnectAttempts = 10
	})
	require.NoError(t, c.Init(context.Background()))
	conn := f.waitConn(t)

	conn.Close()
	// a second session shows up without any consumer involvement
	reconn := f.waitConn(t)
	require.NotNil(t, reconn)
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	f := newFakeServer(t)
	f.setBatch(1, map[string]interface{}{"k": "v"})

	c := newTestClient(t, f, nil)
	require.NoError(t, c.Init(context.Background()))
	f.waitConn(t)

	c.Close()
	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "gone", c.Get("k", "gone"))
	assert.Empty(t, c.GetAll())
}
