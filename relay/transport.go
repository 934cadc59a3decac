// Package relay implements the thin JSON-RPC transport every sequence
// engine publishes and subscribes through: a reconnecting channel to a
// pub/sub relay, multiplexing many topic subscriptions and correlating
// inbound frames back to subscription ids.
package relay

import "context"

// Transport is the minimal duplex JSON-RPC frame channel the Relayer is
// built against. WSTransport is the concrete gorilla/websocket
// implementation; tests substitute an in-memory pair.
type Transport interface {
	// Connect establishes the underlying connection. Calling Connect
	// again while already connected is a no-op.
	Connect(ctx context.Context) error

	// WriteJSON serializes v and writes it as a single frame.
	WriteJSON(v any) error

	// ReadJSON blocks until the next frame arrives and decodes it into
	// v. It returns an error (including on Close) that the caller
	// should treat as a disconnect.
	ReadJSON(v any) error

	// Close tears down the connection.
	Close() error
}
