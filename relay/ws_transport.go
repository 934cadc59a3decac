package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport implements Transport over a gorilla/websocket connection
// to the relay. The dial URL is rewritten to append the required
// protocol/version query parameters, matching spec.md §6.
type WSTransport struct {
	url          string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// DefaultRelayURL is the default relay this client dials when the
// caller doesn't configure one.
const DefaultRelayURL = "wss://relay.walletconnect.org"

// NewWSTransport creates a WebSocket transport dialing url, with the
// protocol/version query parameters appended per spec.md §6.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		url:          rewriteURL(url),
		dialTimeout:  10 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

// NewWSTransportWithTimeouts is NewWSTransport with explicit timeouts; a
// zero duration keeps NewWSTransport's default for that timeout.
func NewWSTransportWithTimeouts(url string, dialTimeout, readTimeout, writeTimeout time.Duration) *WSTransport {
	t := NewWSTransport(url)
	if dialTimeout > 0 {
		t.dialTimeout = dialTimeout
	}
	if readTimeout > 0 {
		t.readTimeout = readTimeout
	}
	if writeTimeout > 0 {
		t.writeTimeout = writeTimeout
	}
	return t
}

func rewriteURL(url string) string {
	sep := "?"
	if len(url) > 0 && containsQuery(url) {
		sep = "&"
	}
	return url + sep + "protocol=wc&version=2"
}

func containsQuery(url string) bool {
	for _, c := range url {
		if c == '?' {
			return true
		}
	}
	return false
}

// Connect dials the relay if not already connected.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &websocket.Dialer{HandshakeTimeout: t.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}

	t.conn = conn
	return nil
}

// WriteJSON writes v as a single text frame.
func (t *WSTransport) WriteJSON(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("relay transport: not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteJSON(v)
}

// ReadJSON blocks for the next text frame and decodes it into v.
func (t *WSTransport) ReadJSON(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("relay transport: not connected")
	}
	if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	if err := conn.ReadJSON(v); err != nil {
		// A failed read leaves the connection unusable; drop it so the
		// next Connect dials afresh.
		t.mu.Lock()
		if t.conn == conn {
			_ = conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	err := t.conn.Close()
	t.conn = nil
	return err
}

var _ Transport = (*WSTransport)(nil)
