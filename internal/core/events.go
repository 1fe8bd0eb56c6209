package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// ScheduledEvent is passed to scheduled handlers for cron triggers.
type ScheduledEvent struct {
	Cron          string
	ScheduledTime time.Time

	noRetry atomic.Bool
}

// NoRetry tells the host not to retry this trigger if the handler fails.
func (e *ScheduledEvent) NoRetry() { e.noRetry.Store(true) }

// RetryDisabled reports whether NoRetry was called.
func (e *ScheduledEvent) RetryDisabled() bool { return e.noRetry.Load() }

// RetryOptions configures a message retry.
type RetryOptions struct {
	DelaySeconds int
}

// QueueAction is what the host does with a delivered message.
type QueueAction int

const (
	// QueueActionNone means no explicit decision; the batch outcome decides.
	QueueActionNone QueueAction = iota
	QueueActionAck
	QueueActionRetry
)

func (a QueueAction) String() string {
	switch a {
	case QueueActionAck:
		return "ack"
	case QueueActionRetry:
		return "retry"
	}
	return "none"
}

// MessageOutcome records the ack/retry decisions made for one message.
// Explicit per-message calls win over batch-wide calls; within a level
// the last call wins.
type MessageOutcome struct {
	mu          sync.Mutex
	explicit    QueueAction
	explicitDly int
	batch       QueueAction
	batchDly    int
}

func (o *MessageOutcome) set(a QueueAction, delay int) {
	o.mu.Lock()
	o.explicit, o.explicitDly = a, delay
	o.mu.Unlock()
}

func (o *MessageOutcome) setBatch(a QueueAction, delay int) {
	o.mu.Lock()
	o.batch, o.batchDly = a, delay
	o.mu.Unlock()
}

// Resolve returns the final action. handlerFailed decides messages that
// received no call at all: they are retried when the handler failed and
// acknowledged otherwise.
func (o *MessageOutcome) Resolve(handlerFailed bool) (QueueAction, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.explicit != QueueActionNone {
		return o.explicit, o.explicitDly
	}
	if o.batch != QueueActionNone {
		return o.batch, o.batchDly
	}
	if handlerFailed {
		return QueueActionRetry, 0
	}
	return QueueActionAck, 0
}

// Message is one delivered queue message with a decoded body.
type Message[T any] struct {
	ID        string
	Timestamp time.Time
	Body      T
	Attempts  int

	outcome *MessageOutcome
}

// NewMessage builds a message whose decisions are recorded in outcome.
func NewMessage[T any](in QueueMessageInput, body T, outcome *MessageOutcome) *Message[T] {
	return &Message[T]{
		ID:        in.ID,
		Timestamp: in.Timestamp,
		Body:      body,
		Attempts:  in.Attempts,
		outcome:   outcome,
	}
}

// Ack marks the message as successfully processed.
func (m *Message[T]) Ack() { m.outcome.set(QueueActionAck, 0) }

// Retry asks for the message to be delivered again.
func (m *Message[T]) Retry(opts RetryOptions) { m.outcome.set(QueueActionRetry, opts.DelaySeconds) }

// MessageBatch is the first argument of queue handlers.
type MessageBatch[T any] struct {
	Queue    string
	Messages []*Message[T]
}

// AckAll acknowledges every message without an explicit decision.
func (b *MessageBatch[T]) AckAll() {
	for _, m := range b.Messages {
		m.outcome.setBatch(QueueActionAck, 0)
	}
}

// RetryAll retries every message without an explicit decision.
func (b *MessageBatch[T]) RetryAll(opts RetryOptions) {
	for _, m := range b.Messages {
		m.outcome.setBatch(QueueActionRetry, opts.DelaySeconds)
	}
}
