// Package transport multiplexes independent realtime channels over WebSocket.
//
// Each logical channel owns one connection to the backend's realtime endpoint
// and carries named topic subscriptions (global user events, one matching
// request, one chat room). Channels have independent lifecycles: opening,
// closing, or losing one never affects another.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one message on a channel, inbound or outbound.
type Frame struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// control frame types understood by the realtime endpoint.
const (
	frameSubscribe = "subscribe"
	frameSend      = "send"
)

// wireFrame is the on-the-wire envelope.
type wireFrame struct {
	Type        string          `json:"type,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Conn is a single underlying connection. *websocket.Conn satisfies it; tests
// substitute an in-memory implementation.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer establishes connections to the realtime endpoint.
type Dialer interface {
	Dial(endpoint string, header http.Header) (Conn, error)
}

// WebSocketDialer is the production Dialer backed by gorilla/websocket.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(endpoint string, header http.Header) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header) //nolint:bodyclose // response body owned by gorilla
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// retryDelay is the fixed pause between reconnect attempts. No backoff and no
// attempt cap: channels are short-lived relative to typical network hiccups,
// so availability wins over backoff sophistication.
const retryDelay = 5 * time.Second
