package core

import (
	"context"

	"github.com/coder/websocket"
)

// DurableObjectHandler is implemented by every Durable Object class.
// Calls into one instance are serialized by the host.
type DurableObjectHandler interface {
	Fetch(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error)
}

// DurableObjectAlarmer is implemented by objects that use storage alarms.
type DurableObjectAlarmer interface {
	Alarm(ctx context.Context) error
}

// WebSocketMessageHandler receives messages for sockets accepted with
// DurableObjectState.AcceptWebSocket.
type WebSocketMessageHandler interface {
	WebSocketMessage(ctx context.Context, ws WebSocket, msg WebSocketMessage)
}

// WebSocketCloseHandler is told when an accepted socket closes.
type WebSocketCloseHandler interface {
	WebSocketClose(ctx context.Context, ws WebSocket, code int, reason string, wasClean bool)
}

// WebSocketErrorHandler is told when an accepted socket fails.
type WebSocketErrorHandler interface {
	WebSocketError(ctx context.Context, ws WebSocket, err error)
}

// DurableObjectFactory constructs the handler for one object instance.
type DurableObjectFactory func(state DurableObjectState, env *Env) DurableObjectHandler

// DurableObjectState is handed to the factory of each instance.
type DurableObjectState interface {
	ID() DurableObjectID
	Storage() DurableObjectStorage

	// AcceptWebSocket takes over the upgrade request and returns the 101
	// response to hand back from Fetch along with the server-side socket.
	// Messages on the socket are delivered to the handler's WebSocket
	// callbacks.
	AcceptWebSocket(req *WorkerRequest, tags ...string) (*WorkerResponse, WebSocket, error)
	GetWebSockets(tag string) []WebSocket

	// BlockConcurrencyWhile runs fn while no other event is delivered to
	// the object. If fn fails the instance is reset.
	BlockConcurrencyWhile(ctx context.Context, fn func(ctx context.Context) error) error

	WaitUntil(task func(ctx context.Context) error)
}

// WebSocket is the server side of an accepted connection.
type WebSocket interface {
	Send(ctx context.Context, msg WebSocketMessage) error
	Close(code int, reason string) error
	Tags() []string
	SerializeAttachment(v any) error
	DeserializeAttachment(v any) error
}

// WebSocketMessage is a text or binary frame.
type WebSocketMessage struct {
	Type websocket.MessageType
	Data []byte
}

// TextMessage builds a text frame.
func TextMessage(s string) WebSocketMessage {
	return WebSocketMessage{Type: websocket.MessageText, Data: []byte(s)}
}

// BinaryMessage builds a binary frame.
func BinaryMessage(b []byte) WebSocketMessage {
	return WebSocketMessage{Type: websocket.MessageBinary, Data: b}
}

// IsBinary reports whether the frame carries binary data.
func (m WebSocketMessage) IsBinary() bool { return m.Type == websocket.MessageBinary }

// Text returns the payload as a string.
func (m WebSocketMessage) Text() string { return string(m.Data) }
