package queue

import (
	"context"
	"fmt"

	"github.com/cryguy/worker/v3/internal/core"
)

type typedConsumer[T any] struct {
	handler core.QueueHandler[T]
}

// NewConsumer adapts a typed queue handler to core.QueueConsumer. Bodies
// that fail to decode into T are retried without reaching the handler.
func NewConsumer[T any](handler core.QueueHandler[T]) core.QueueConsumer {
	return &typedConsumer[T]{handler: handler}
}

func (c *typedConsumer[T]) Consume(ctx context.Context, queue string, msgs []core.QueueMessageInput, env *core.Env, ec core.ExecutionContext) ([]core.QueueDecision, error) {
	decisions := make([]core.QueueDecision, len(msgs))
	outcomes := make([]*core.MessageOutcome, len(msgs))
	batch := &core.MessageBatch[T]{Queue: queue, Messages: make([]*core.Message[T], 0, len(msgs))}

	for i, in := range msgs {
		body, err := Decode[T](in)
		if err != nil {
			core.Logf(ctx, "error", "queue %s: %v", queue, err)
			decisions[i] = core.QueueDecision{Action: core.QueueActionRetry}
			continue
		}
		outcomes[i] = &core.MessageOutcome{}
		batch.Messages = append(batch.Messages, core.NewMessage(in, body, outcomes[i]))
	}

	var err error
	if len(batch.Messages) > 0 {
		err = c.call(ctx, batch, env, ec)
	}
	for i, o := range outcomes {
		if o == nil {
			continue
		}
		action, delay := o.Resolve(err != nil)
		decisions[i] = core.QueueDecision{Action: action, DelaySeconds: delay}
	}
	return decisions, err
}

func (c *typedConsumer[T]) call(ctx context.Context, batch *core.MessageBatch[T], env *core.Env, ec core.ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panic: %v", r)
		}
	}()
	return c.handler(ctx, batch, env, ec)
}
