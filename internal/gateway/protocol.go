package gateway

import "encoding/json"

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server frame types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeData         = "data"
	TypePong         = "pong"
	TypeError        = "error"
)

// ClientRequest is one inbound message from a connected client.
type ClientRequest struct {
	Action    string   `json:"action"`
	Channels  []string `json:"channels,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// ServerFrame is one outbound message. Every frame carries the process-wide
// monotonic seq and an ISO-8601 timestamp.
type ServerFrame struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Pattern   string          `json:"pattern,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}
