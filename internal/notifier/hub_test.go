package notifier_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/confhub/confhub/internal/notifier"
	"github.com/confhub/confhub/pkg/models"
)

func startHub(t *testing.T) (*notifier.Hub, *httptest.Server) {
	hub := notifier.NewHub(zap.NewNop(), notifier.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, service, env string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?service=" + service + "&env=" + env
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.PushMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.PushMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServeWSSendsAck(t *testing.T) {
	_, srv := startHub(t)
	conn := dial(t, srv, "orders", "dev")

	msg := readMessage(t, conn)
	assert.Equal(t, models.MsgConnectionAck, msg.Type)

	var ack models.AckPayload
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.NotEmpty(t, ack.ConnectionID)
	assert.Equal(t, "orders", ack.ServiceName)
	assert.Equal(t, "dev", ack.Environment)
}

func TestServeWSRequiresScope(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishReachesSubscribedScopeOnly(t *testing.T) {
	hub, srv := startHub(t)

	ordersConn := dial(t, srv, "orders", "dev")
	billingConn := dial(t, srv, "billing", "dev")
	readMessage(t, ordersConn)  // ack
	readMessage(t, billingConn) // ack

	hub.Publish(context.Background(), &models.ChangeEvent{
		ServiceName: "orders",
		Environment: "dev",
		ConfigKey:   "database.host",
		ConfigValue: "db2.internal",
		Version:     4,
		ChangeType:  models.ChangeTypeUpdate,
	})

	msg := readMessage(t, ordersConn)
	assert.Equal(t, models.MsgConfigChanged, msg.Type)

	var change models.ChangePayload
	require.NoError(t, json.Unmarshal(msg.Data, &change))
	assert.Equal(t, "database.host", change.ConfigKey)
	assert.Equal(t, "db2.internal", change.ConfigValue)
	assert.Equal(t, int64(4), change.Version)
	assert.Equal(t, models.ChangeTypeUpdate, change.ChangeType)

	// the billing session must see nothing
	require.NoError(t, billingConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray models.PushMessage
	assert.Error(t, billingConn.ReadJSON(&stray))
}

func TestPublishFansOutToAllScopeSessions(t *testing.T) {
	hub, srv := startHub(t)

	conns := []*websocket.Conn{
		dial(t, srv, "orders", "dev"),
		dial(t, srv, "orders", "dev"),
		dial(t, srv, "orders", "dev"),
	}
	for _, c := range conns {
		readMessage(t, c) // ack
	}

	hub.Publish(context.Background(), &models.ChangeEvent{
		ServiceName: "orders", Environment: "dev",
		ConfigKey: "k", ConfigValue: "v", Version: 2, ChangeType: models.ChangeTypeUpdate,
	})

	for _, c := range conns {
		msg := readMessage(t, c)
		assert.Equal(t, models.MsgConfigChanged, msg.Type)
	}
}

func TestSubscribeSwitchesScope(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "orders", "dev")
	readMessage(t, conn) // ack

	payload, _ := json.Marshal(&models.SubscribePayload{ServiceName: "billing", Environment: "prod"})
	require.NoError(t, conn.WriteJSON(&models.PushMessage{Type: models.MsgSubscribe, Data: payload}))

	// the subscribe message is handled by the read pump; give it a moment
	require.Eventually(t, func() bool {
		hub.Publish(context.Background(), &models.ChangeEvent{
			ServiceName: "billing", Environment: "prod",
			ConfigKey: "k", ConfigValue: "v", Version: 1, ChangeType: models.ChangeTypeUpdate,
		})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var msg models.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return false
		}
		return msg.Type == models.MsgConfigChanged
	}, 2*time.Second, 50*time.Millisecond)
}

func TestSessionCountTracksConnections(t *testing.T) {
	hub, srv := startHub(t)
	assert.Equal(t, 0, hub.SessionCount())

	conn := dial(t, srv, "orders", "dev")
	readMessage(t, conn) // ack
	assert.Equal(t, 1, hub.SessionCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClientPongKeepsSessionAlive(t *testing.T) {
	hub := notifier.NewHub(zap.NewNop(), notifier.Config{
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "orders", "dev")
	readMessage(t, conn) // ack

	// answer every ping for a few sweep intervals
	done := time.After(600 * time.Millisecond)
	for {
		select {
		case <-done:
			assert.Equal(t, 1, hub.SessionCount())
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		var msg models.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			continue
		}
		if msg.Type == models.MsgPing {
			require.NoError(t, conn.WriteJSON(&models.PushMessage{
				Type: models.MsgPong, Timestamp: time.Now().UnixMilli(),
			}))
		}
	}
}

func TestSilentSessionIsDropped(t *testing.T) {
	hub := notifier.NewHub(zap.NewNop(), notifier.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "orders", "dev")
	readMessage(t, conn) // ack, then never answer pings

	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
