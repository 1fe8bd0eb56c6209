package durable

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
)

// Accepted socket limits.
const (
	MaxSocketTags     = 10
	MaxTagSize        = 256
	MaxAttachmentSize = 2048

	// MaxWSMessageBytes is the maximum size of a single message (64 KB).
	MaxWSMessageBytes = 64 * 1024
)

// WsConnectionTimeout is the maximum lifetime of a bridged connection.
var WsConnectionTimeout = 5 * time.Minute

// WsPingInterval is how often an idle connection is pinged.
var WsPingInterval = 30 * time.Second

// socket is the server side of a connection accepted by an object. Sends
// made before the HTTP layer bridges the connection are queued.
type socket struct {
	inst *instance
	tags []string

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    []core.WebSocketMessage
	closed     bool
	closeCode  int
	closeMsg   string
	attachment []byte
}

var (
	_ core.WebSocket        = (*socket)(nil)
	_ core.WebSocketBridger = (*socket)(nil)
)

func newSocket(inst *instance, tags []string) *socket {
	return &socket{inst: inst, tags: append([]string(nil), tags...)}
}

func (s *socket) Tags() []string { return append([]string(nil), s.tags...) }

func (s *socket) hasTag(tag string) bool { return slices.Contains(s.tags, tag) }

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) Send(ctx context.Context, msg core.WebSocketMessage) error {
	if len(msg.Data) > MaxWSMessageBytes {
		return fmt.Errorf("%w: message is %d bytes (max %d)", core.ErrValueTooLarge, len(msg.Data), MaxWSMessageBytes)
	}
	if msg.Type == 0 {
		msg.Type = websocket.MessageText
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("WebSocket is closed")
	}
	conn := s.conn
	if conn == nil {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, msg.Type, msg.Data)
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode, s.closeMsg = code, reason
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Bridge will close the connection as soon as it is attached.
		return nil
	}
	return conn.Close(websocket.StatusCode(code), reason)
}

func (s *socket) SerializeAttachment(v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return fmt.Errorf("serializing attachment: %w", err)
	}
	if len(data) > MaxAttachmentSize {
		return fmt.Errorf("%w: attachment is %d bytes (max %d)", core.ErrValueTooLarge, len(data), MaxAttachmentSize)
	}
	s.mu.Lock()
	s.attachment = data
	s.mu.Unlock()
	return nil
}

// DeserializeAttachment decodes the stored attachment into v. v is left
// untouched when nothing was stored.
func (s *socket) DeserializeAttachment(v any) error {
	s.mu.Lock()
	data := s.attachment
	s.mu.Unlock()
	if data == nil {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(data, v)
}

// Bridge pumps messages from the client connection into the object's
// WebSocket handlers until the connection closes or times out.
func (s *socket) Bridge(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(MaxWSMessageBytes)

	s.mu.Lock()
	s.conn = conn
	pending := s.pending
	s.pending = nil
	closed, code, reason := s.closed, s.closeCode, s.closeMsg
	s.mu.Unlock()

	defer s.inst.removeSocket(s)

	for _, msg := range pending {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.Write(writeCtx, msg.Type, msg.Data)
		cancel()
		if err != nil {
			s.finish(ctx, 1006, "", false, err)
			return
		}
	}
	if closed {
		_ = conn.Close(websocket.StatusCode(code), reason)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type readResult struct {
		msg core.WebSocketMessage
		err error
	}
	incoming := make(chan readResult, 64)
	go func() {
		defer close(incoming)
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case incoming <- readResult{msg: core.WebSocketMessage{Type: typ, Data: data}, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	deadline := time.NewTimer(WsConnectionTimeout)
	defer deadline.Stop()
	ping := time.NewTicker(WsPingInterval)
	defer ping.Stop()

	for {
		select {
		case r, ok := <-incoming:
			if !ok {
				return
			}
			if r.err != nil {
				s.readFailed(ctx, r.err)
				return
			}
			s.deliver(ctx, r.msg)

		case <-ping.C:
			pingCtx, pcancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pcancel()
			if err != nil {
				s.finish(ctx, 1006, "", false, err)
				return
			}

		case <-deadline.C:
			_ = s.Close(1001, "connection timeout")
			s.finish(ctx, 1001, "connection timeout", true, nil)
			return

		case <-ctx.Done():
			s.finish(context.WithoutCancel(ctx), 1006, "", false, nil)
			return
		}
	}
}

func (s *socket) deliver(ctx context.Context, msg core.WebSocketMessage) {
	err := s.inst.run(ctx, func(ctx context.Context, h core.DurableObjectHandler) error {
		if mh, ok := h.(core.WebSocketMessageHandler); ok {
			mh.WebSocketMessage(ctx, s, msg)
		}
		return nil
	})
	if err != nil {
		s.inst.ns.logger.Warn("websocket message handler failed",
			zap.String("object", s.inst.id.Hex), zap.Error(err))
	}
}

// readFailed maps a read error to the close or error callbacks.
func (s *socket) readFailed(ctx context.Context, err error) {
	if status := websocket.CloseStatus(err); status != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		s.finish(ctx, int(status), reason, true, nil)
		return
	}
	s.finish(ctx, 1006, "", false, err)
}

// finish marks the socket closed and tells the handler. cause, when set,
// is reported to the error callback first.
func (s *socket) finish(ctx context.Context, code int, reason string, wasClean bool, cause error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.inst.run(ctx, func(ctx context.Context, h core.DurableObjectHandler) error {
		if cause != nil {
			if eh, ok := h.(core.WebSocketErrorHandler); ok {
				eh.WebSocketError(ctx, s, cause)
			}
		}
		if ch, ok := h.(core.WebSocketCloseHandler); ok {
			ch.WebSocketClose(ctx, s, code, reason, wasClean)
		}
		return nil
	})
	if err != nil {
		s.inst.ns.logger.Warn("websocket close handler failed",
			zap.String("object", s.inst.id.Hex), zap.Error(err))
	}
}
