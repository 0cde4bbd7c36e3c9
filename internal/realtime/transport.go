package realtime

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// Transport opens topic streams.
type Transport interface {
	// Open subscribes to topic and returns once the subscription is
	// acknowledged.
	Open(ctx context.Context, topic string) (Stream, error)
}

// Stream is one open topic subscription.
type Stream interface {
	// Recv blocks for the next event.
	Recv(ctx context.Context) (Event, error)

	// Close ends the subscription.
	Close() error
}

// WSTransport dials a Hub over websocket.
type WSTransport struct {
	url string
}

// NewWSTransport returns a transport for a hub's realtime endpoint, e.g.
// "ws://localhost:8787/realtime".
func NewWSTransport(endpoint string) *WSTransport {
	return &WSTransport{url: endpoint}
}

// Open implements Transport.
func (t *WSTransport) Open(ctx context.Context, topic string) (Stream, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.url, err)
	}
	conn.SetReadLimit(1 << 20)

	s := &wsStream{conn: conn}
	ack, err := s.Recv(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	if ack.Type != EventSubscribed || ack.Topic != topic {
		_ = s.Close()
		return nil, fmt.Errorf("unexpected subscription reply: %s %s", ack.Type, ack.Topic)
	}
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Recv(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(data)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
