package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
)

// WebSocketBridger is implemented by server-side sockets handed out by
// AcceptWebSocket. The HTTP layer calls Bridge once it has upgraded the
// client connection; Bridge blocks until the connection closes.
type WebSocketBridger interface {
	Bridge(ctx context.Context, httpConn *websocket.Conn)
}

// WorkerRequest represents an incoming HTTP request to a worker.
// Header names are stored lower-cased.
type WorkerRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Header returns the value of the named header, ignoring case.
func (r *WorkerRequest) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Clone returns a deep copy of the request.
func (r *WorkerRequest) Clone() *WorkerRequest {
	if r == nil {
		return nil
	}
	out := &WorkerRequest{Method: r.Method, URL: r.URL}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket upgrade.
func (r *WorkerRequest) IsWebSocketUpgrade() bool {
	return strings.EqualFold(r.Header("Upgrade"), "websocket")
}

// WorkerResponse represents the HTTP response from a worker.
type WorkerResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte

	// WebSocket is set on 101 responses returned after AcceptWebSocket.
	WebSocket WebSocketBridger
}

// HasWebSocket reports whether the response carries a server socket.
func (r *WorkerResponse) HasWebSocket() bool {
	return r != nil && r.StatusCode == 101 && r.WebSocket != nil
}

// NewResponse builds a response with a text body.
func NewResponse(status int, body string) *WorkerResponse {
	return &WorkerResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "text/plain;charset=UTF-8"},
		Body:       []byte(body),
	}
}

// JSONResponse builds a response with v encoded as JSON.
func JSONResponse(status int, v any) (*WorkerResponse, error) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON response: %w", err)
	}
	return &WorkerResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       data,
	}, nil
}

// WorkerResult wraps a response with execution metadata.
type WorkerResult struct {
	Response *WorkerResponse
	Logs     []LogEntry
	Error    error
	Duration time.Duration

	// PassedThrough is true when the response came from the origin after
	// the handler failed with PassThroughOnException set.
	PassedThrough bool
}

// LogEntry is a single log line captured from a handler invocation.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
