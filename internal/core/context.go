package core

import (
	"context"
	"fmt"
	"sync"
)

// ExecutionContext is the third argument of every handler.
type ExecutionContext interface {
	// WaitUntil registers a background task. The host waits for all
	// registered tasks before tearing the invocation down. The task's
	// context outlives the request but is cancelled when the wait times out.
	WaitUntil(task func(ctx context.Context) error)

	// PassThroughOnException makes a failing fetch handler fall back to
	// the origin instead of answering with an error.
	PassThroughOnException()
}

// ResponseFunc produces a response once the host asks for it.
type ResponseFunc func(ctx context.Context) (*WorkerResponse, error)

// FetchEvent is the argument of service-worker style fetch listeners.
type FetchEvent struct {
	ExecutionContext
	Request *WorkerRequest

	mu      sync.Mutex
	respond ResponseFunc
}

// NewFetchEvent wraps req for a listener.
func NewFetchEvent(req *WorkerRequest, ec ExecutionContext) *FetchEvent {
	return &FetchEvent{ExecutionContext: ec, Request: req}
}

// RespondWith supplies the response directly.
func (e *FetchEvent) RespondWith(resp *WorkerResponse) error {
	if resp == nil {
		return fmt.Errorf("respondWith: response must not be nil")
	}
	return e.RespondWithFunc(func(context.Context) (*WorkerResponse, error) {
		return resp, nil
	})
}

// RespondWithFunc supplies a deferred response, resolved after the
// listener returns.
func (e *FetchEvent) RespondWithFunc(fn ResponseFunc) error {
	if fn == nil {
		return fmt.Errorf("respondWith: function must not be nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.respond != nil {
		return ErrAlreadyResponded
	}
	e.respond = fn
	return nil
}

// Responder returns the registered response producer, if any.
func (e *FetchEvent) Responder() (ResponseFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.respond, e.respond != nil
}
