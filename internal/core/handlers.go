package core

import "context"

// Handler is a module-style fetch handler.
type Handler func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error)

// FetchListener is a service-worker style fetch handler. It answers by
// calling RespondWith or RespondWithFunc on the event.
type FetchListener func(ctx context.Context, event *FetchEvent)

// ScheduledHandler runs for cron triggers.
type ScheduledHandler func(ctx context.Context, event *ScheduledEvent, env *Env, ec ExecutionContext) error

// QueueHandler consumes a batch of messages whose bodies decode to T.
type QueueHandler[T any] func(ctx context.Context, batch *MessageBatch[T], env *Env, ec ExecutionContext) error

// QueueDecision is the resolved outcome of one delivered message.
type QueueDecision struct {
	Action       QueueAction
	DelaySeconds int
}

// QueueConsumer delivers raw messages to a typed QueueHandler. The
// returned decisions are aligned with msgs.
type QueueConsumer interface {
	Consume(ctx context.Context, queue string, msgs []QueueMessageInput, env *Env, ec ExecutionContext) ([]QueueDecision, error)
}

// Handlers bundles everything a worker exports. Fetch and FetchListener
// are mutually exclusive.
type Handlers struct {
	Fetch          Handler
	FetchListener  FetchListener
	Scheduled      ScheduledHandler
	Queue          QueueConsumer
	DurableObjects map[string]DurableObjectFactory // class name -> factory
}
