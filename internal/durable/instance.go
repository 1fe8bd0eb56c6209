package durable

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
)

// instance is one live object. mu is held for the whole of every event
// (fetch, alarm, socket message) so the handler never runs concurrently
// with itself.
type instance struct {
	ns      *Namespace
	id      core.DurableObjectID
	storage *Storage

	mu      sync.Mutex
	handler core.DurableObjectHandler
	broken  bool

	sockMu  sync.Mutex
	sockets map[*socket]struct{}
}

func newInstance(ns *Namespace, id core.DurableObjectID) *instance {
	inst := &instance{ns: ns, id: id, sockets: make(map[*socket]struct{})}
	inst.storage = ns.store.Object(ns.name, id.Hex, inst.onAlarmChange)
	return inst
}

func (i *instance) onAlarmChange(at *time.Time) {
	i.ns.scheduleAlarm(i.id.Hex, at, 1)
}

// run delivers one event. The handler is constructed first if this is the
// first event or the previous handler was reset.
func (i *instance) run(ctx context.Context, fn func(ctx context.Context, h core.DurableObjectHandler) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.handler == nil || i.broken {
		if err := i.construct(); err != nil {
			return err
		}
	}
	return i.call(func() error { return fn(ctx, i.handler) })
}

func (i *instance) construct() error {
	i.handler = nil
	i.broken = false
	if i.ns.factory == nil {
		return fmt.Errorf("%w: no class bound to namespace %q", core.ErrNoHandler, i.ns.name)
	}
	var h core.DurableObjectHandler
	err := i.call(func() error {
		h = i.ns.factory(&objectState{inst: i}, i.ns.currentEnv())
		return nil
	})
	if err != nil {
		return err
	}
	if i.broken {
		return core.ErrObjectReset
	}
	if h == nil {
		return fmt.Errorf("%w: factory for %q returned nil", core.ErrNoHandler, i.ns.name)
	}
	i.handler = h
	return nil
}

// call runs fn, turning a panic into an error.
func (i *instance) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.ns.logger.Error("durable object panic",
				zap.String("object", i.id.Hex),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("durable object panic: %v", r)
		}
	}()
	return fn()
}

func (i *instance) addSocket(s *socket) {
	i.sockMu.Lock()
	i.sockets[s] = struct{}{}
	i.sockMu.Unlock()
}

func (i *instance) removeSocket(s *socket) {
	i.sockMu.Lock()
	delete(i.sockets, s)
	i.sockMu.Unlock()
}

func (i *instance) webSockets(tag string) []core.WebSocket {
	i.sockMu.Lock()
	defer i.sockMu.Unlock()
	out := []core.WebSocket{}
	for s := range i.sockets {
		if s.isClosed() {
			continue
		}
		if tag == "" || s.hasTag(tag) {
			out = append(out, s)
		}
	}
	return out
}

// objectState is the core.DurableObjectState handed to factories.
type objectState struct {
	inst *instance
}

var _ core.DurableObjectState = (*objectState)(nil)

func (s *objectState) ID() core.DurableObjectID { return s.inst.id }

func (s *objectState) Storage() core.DurableObjectStorage { return s.inst.storage }

func (s *objectState) AcceptWebSocket(req *core.WorkerRequest, tags ...string) (*core.WorkerResponse, core.WebSocket, error) {
	if req == nil || !req.IsWebSocketUpgrade() {
		return nil, nil, fmt.Errorf("request is not a WebSocket upgrade")
	}
	if len(tags) > MaxSocketTags {
		return nil, nil, fmt.Errorf("too many tags: %d (max %d)", len(tags), MaxSocketTags)
	}
	for _, t := range tags {
		if t == "" || len(t) > MaxTagSize {
			return nil, nil, fmt.Errorf("invalid tag %q", t)
		}
	}
	ws := newSocket(s.inst, tags)
	s.inst.addSocket(ws)
	resp := &core.WorkerResponse{
		StatusCode: 101,
		Headers:    map[string]string{"upgrade": "websocket", "connection": "Upgrade"},
		WebSocket:  ws,
	}
	return resp, ws, nil
}

// GetWebSockets returns the open accepted sockets carrying tag, or all of
// them when tag is empty.
func (s *objectState) GetWebSockets(tag string) []core.WebSocket {
	return s.inst.webSockets(tag)
}

// BlockConcurrencyWhile runs fn synchronously. Callers are always inside an
// event (or the constructor) which already excludes every other event, so
// no extra locking is needed. A failure resets the instance.
func (s *objectState) BlockConcurrencyWhile(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, BlockConcurrencyTimeout)
	defer cancel()
	err := s.inst.call(func() error { return fn(ctx) })
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		s.inst.broken = true
		return fmt.Errorf("%w: %v", core.ErrObjectReset, err)
	}
	return nil
}

func (s *objectState) WaitUntil(task func(ctx context.Context) error) {
	s.inst.ns.bg.WaitUntil(task)
}
