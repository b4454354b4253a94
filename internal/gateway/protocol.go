package gateway

import (
	"time"

	"github.com/datnguyennnx/0xsignal-sub003/internal/model"
)

// Inbound message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"
)

// Outbound message types.
const (
	msgConnected    = "connected"
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgData         = "data"
	msgPong         = "pong"
	msgDegraded     = "degraded"
	msgRestored     = "restored"
)

// clientMessage is a control message from a downstream client.
type clientMessage struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// serverMessage is a message sent to a downstream client.
type serverMessage struct {
	Type      string            `json:"type"`
	Symbol    string            `json:"symbol,omitempty"`
	Data      *model.ChartPoint `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp"`
	ClientID  string            `json:"clientId,omitempty"`
}

// newServerMessage stamps an outbound message with the current time.
func newServerMessage(msgType string) serverMessage {
	return serverMessage{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}
