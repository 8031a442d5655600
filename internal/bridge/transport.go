package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
)

// Envelope is the JSON wire message exchanged with the client. Inbound
// frames carry Message (raw bytes for the shell); outbound frames carry
// Output (raw bytes from the shell) or, terminally, Error.
type Envelope struct {
	Message string `json:"message,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport abstracts the inbound duplex connection so the engine never
// depends on a specific transport technology.
type Transport interface {
	// Receive blocks for the next inbound envelope. It returns an error
	// once the peer disconnects or ctx is canceled.
	Receive(ctx context.Context) (Envelope, error)

	// Send writes one outbound envelope.
	Send(ctx context.Context, env Envelope) error

	// Close shuts the transport down with a human-readable reason.
	// Closing an already-closed transport is a no-op.
	Close(reason string)
}

// wsTransport adapts a coder/websocket connection to the Transport
// contract, framing envelopes as JSON text messages.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an accepted websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(1024 * 1024)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Receive(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are dropped, matching the tolerant
			// behavior clients rely on during reconnect races.
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) {
	t.closeOnce.Do(func() {
		// Reason strings over 123 bytes are rejected by the protocol.
		if len(reason) > 123 {
			reason = reason[:123]
		}
		t.conn.Close(websocket.StatusNormalClosure, reason)
	})
}
