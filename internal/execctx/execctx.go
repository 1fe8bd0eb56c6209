// Package execctx implements the ExecutionContext handed to handlers:
// background task tracking for waitUntil and the passthrough flag.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
)

// Submitter runs a function asynchronously. *ants.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

// Context tracks the waitUntil tasks of one invocation.
type Context struct {
	pool   Submitter
	logger *zap.Logger

	bg     context.Context
	cancel context.CancelFunc

	passThrough atomic.Bool

	mu      sync.Mutex
	pending int
	closed  bool
	idle    chan struct{}
	errs    []error
}

var _ core.ExecutionContext = (*Context)(nil)

// New creates a context whose tasks inherit the values of parent but not
// its cancellation, so they keep running after the response is written.
// pool may be nil, in which case tasks get their own goroutine.
func New(parent context.Context, pool Submitter, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Context{pool: pool, logger: logger, bg: bg, cancel: cancel}
}

// WaitUntil registers task. Tasks registered after Wait returned still run
// but nobody waits for them.
func (c *Context) WaitUntil(task func(ctx context.Context) error) {
	if task == nil {
		return
	}
	c.mu.Lock()
	tracked := !c.closed
	if tracked {
		c.pending++
	}
	c.mu.Unlock()

	if !tracked {
		c.logger.Warn("waitUntil called after the invocation completed; task is not awaited")
	}

	run := func() {
		err := c.runTask(task)
		if tracked {
			c.done(err)
		} else if err != nil {
			c.logger.Warn("detached waitUntil task failed", zap.Error(err))
		}
	}
	if c.pool != nil {
		if err := c.pool.Submit(run); err == nil {
			return
		}
	}
	go run()
}

func (c *Context) runTask(task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("waitUntil task panic: %v", r)
		}
	}()
	return task(c.bg)
}

func (c *Context) done(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		c.logger.Warn("waitUntil task failed", zap.Error(err))
	}
	c.pending--
	if c.pending == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

// PassThroughOnException sets the passthrough flag.
func (c *Context) PassThroughOnException() { c.passThrough.Store(true) }

// PassThrough reports whether PassThroughOnException was called.
func (c *Context) PassThrough() bool { return c.passThrough.Load() }

// Pending returns the number of unfinished tasks.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Wait blocks until every registered task has finished, including tasks
// registered by other tasks, or until timeout elapses (timeout <= 0 waits
// forever). On timeout the task context is cancelled. The returned error
// joins the task failures; it is informational and never changes the
// invocation's outcome.
func (c *Context) Wait(timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		c.mu.Lock()
		if c.pending == 0 {
			c.closed = true
			errs := c.errs
			c.mu.Unlock()
			c.cancel()
			return errors.Join(errs...)
		}
		idle := make(chan struct{})
		c.idle = idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-deadline:
			c.mu.Lock()
			c.closed = true
			n := c.pending
			c.idle = nil
			c.mu.Unlock()
			c.cancel()
			return fmt.Errorf("%w: %d task(s) still running", core.ErrWaitUntilTimeout, n)
		}
	}
}
