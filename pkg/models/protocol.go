package models

import "encoding/json"

// Push protocol message types exchanged over the persistent connection.
const (
	MsgConnectionAck = "connection_ack"
	MsgConfigChanged = "config_changed"
	MsgPing          = "ping"
	MsgPong          = "pong"
	MsgSubscribe     = "subscribe"
)

// PushMessage is the wire frame for every message on the push connection.
type PushMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// AckPayload is the data of a connection_ack message, sent once on connect.
type AckPayload struct {
	ConnectionID string `json:"connectionId"`
	ServiceName  string `json:"serviceName"`
	Environment  string `json:"environment"`
	Timestamp    int64  `json:"timestamp"`
}

// ChangePayload is the data of a config_changed message.
type ChangePayload struct {
	ConfigKey   string      `json:"configKey"`
	ConfigValue interface{} `json:"configValue"`
	Version     int64       `json:"version"`
	ChangeType  string      `json:"changeType"`
}

// SubscribePayload is the data of a client-sent subscribe message, allowing a
// live session to switch scope without reconnecting.
type SubscribePayload struct {
	ServiceName string `json:"serviceName"`
	Environment string `json:"environment"`
}
