// Package ws adapts live deployment events to streaming clients: Server-Sent
// Events over a plain HTTP response, or a websocket connection.
package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

var (
	_ Subscriber = (*SSEClient)(nil)
	_ Subscriber = (*Client)(nil)
)
