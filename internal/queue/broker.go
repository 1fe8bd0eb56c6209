package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
)

// MaxQueueBatchBytes caps the total body size of one SendBatch call.
const MaxQueueBatchBytes = 256 * 1024

// MaxBacklog is the most messages a single queue holds before sends fail.
const MaxBacklog = 100_000

// DispatchFunc delivers a batch to the consumer and returns one decision
// per message.
type DispatchFunc func(ctx context.Context, queue string, msgs []core.QueueMessageInput) ([]core.QueueDecision, error)

// Stats counts what happened to the messages of one queue.
type Stats struct {
	Pending      int
	Delivered    int
	Acked        int
	Retried      int
	DeadLettered int
	Dropped      int
}

type message struct {
	input     core.QueueMessageInput
	visibleAt time.Time
}

type queueState struct {
	name     string
	consumer *core.QueueConsumerConfig
	messages []*message
	wake     chan struct{}
	stats    Stats
}

// Broker holds every queue of a host. Messages live in memory only.
type Broker struct {
	logger   *zap.Logger
	dispatch DispatchFunc
	now      func() time.Time

	mu     sync.Mutex
	queues map[string]*queueState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBroker creates a broker that hands batches to dispatch.
func NewBroker(consumers []core.QueueConsumerConfig, dispatch DispatchFunc, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		logger:   logger,
		dispatch: dispatch,
		now:      time.Now,
		queues:   make(map[string]*queueState),
	}
	for _, c := range consumers {
		if c.Queue == "" {
			return nil, errors.New("queue consumer without a queue name")
		}
		q := b.queue(c.Queue)
		if q.consumer != nil {
			return nil, fmt.Errorf("queue %q has more than one consumer", c.Queue)
		}
		cfg := c.WithDefaults()
		q.consumer = &cfg
	}
	return b, nil
}

func (b *Broker) queue(name string) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{name: name, wake: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Producer returns the binding that sends to queue.
func (b *Broker) Producer(queue string) core.Queue {
	b.queue(queue)
	return &Producer{broker: b, queue: queue}
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func validateDelay(delay int) error {
	if delay < 0 || delay > core.MaxQueueDelaySeconds {
		return fmt.Errorf("delaySeconds must be between 0 and %d, got %d", core.MaxQueueDelaySeconds, delay)
	}
	return nil
}

// enqueue appends already-encoded messages to queue.
func (b *Broker) enqueue(queue string, msgs []*message) error {
	q := b.queue(queue)
	b.mu.Lock()
	if len(q.messages)+len(msgs) > MaxBacklog {
		b.mu.Unlock()
		return fmt.Errorf("queue %q is full (%d messages)", queue, MaxBacklog)
	}
	q.messages = append(q.messages, msgs...)
	b.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns the counters of queue.
func (b *Broker) Stats(queue string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return Stats{}
	}
	s := q.stats
	s.Pending = len(q.messages)
	return s
}

// Start runs a consumer loop for every queue that has a consumer.
func (b *Broker) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Lock()
	var consumed []*queueState
	for _, q := range b.queues {
		if q.consumer != nil {
			consumed = append(consumed, q)
		}
	}
	b.mu.Unlock()

	for _, q := range consumed {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(ctx, q)
		}()
		b.logger.Info("queue consumer started",
			zap.String("queue", q.name),
			zap.Int("max_batch_size", q.consumer.MaxBatchSize),
			zap.Duration("max_batch_timeout", q.consumer.MaxBatchTimeout))
	}
}

// Stop stops the consumer loops and waits for in-flight batches.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Broker) consume(ctx context.Context, q *queueState) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		batch, wait := b.take(q, b.now(), false)
		if len(batch) > 0 {
			b.deliver(ctx, q, batch)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// take removes the next batch from q when it is due: either a full batch is
// visible or the oldest visible message has waited MaxBatchTimeout. force
// takes whatever is visible. Otherwise it returns how long to wait.
func (b *Broker) take(q *queueState, now time.Time, force bool) ([]*message, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := q.consumer

	var visible []int
	var oldest, nextVisible time.Time
	for i, m := range q.messages {
		if m.visibleAt.After(now) {
			if nextVisible.IsZero() || m.visibleAt.Before(nextVisible) {
				nextVisible = m.visibleAt
			}
			continue
		}
		if oldest.IsZero() || m.visibleAt.Before(oldest) {
			oldest = m.visibleAt
		}
		visible = append(visible, i)
	}

	due := len(visible) > 0 && (force ||
		len(visible) >= cfg.MaxBatchSize ||
		!now.Before(oldest.Add(cfg.MaxBatchTimeout)))
	if !due {
		wait := time.Hour
		if len(visible) > 0 {
			wait = oldest.Add(cfg.MaxBatchTimeout).Sub(now)
		}
		if !nextVisible.IsZero() && nextVisible.Sub(now) < wait {
			wait = nextVisible.Sub(now)
		}
		return nil, max(wait, time.Millisecond)
	}

	if len(visible) > cfg.MaxBatchSize {
		visible = visible[:cfg.MaxBatchSize]
	}
	batch := make([]*message, 0, len(visible))
	taken := make(map[int]bool, len(visible))
	for _, i := range visible {
		batch = append(batch, q.messages[i])
		taken[i] = true
	}
	rest := q.messages[:0:0]
	for i, m := range q.messages {
		if !taken[i] {
			rest = append(rest, m)
		}
	}
	q.messages = rest
	return batch, 0
}

// Drain delivers every visible message of queue immediately, ignoring the
// batch timeout. It returns the number of messages delivered.
func (b *Broker) Drain(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok || q.consumer == nil {
		return 0, fmt.Errorf("%w: no consumer for queue %q", core.ErrBindingNotFound, queue)
	}
	total := 0
	for {
		batch, _ := b.take(q, b.now(), true)
		if len(batch) == 0 {
			return total, nil
		}
		b.deliver(ctx, q, batch)
		total += len(batch)
	}
}

func (b *Broker) deliver(ctx context.Context, q *queueState, batch []*message) {
	inputs := make([]core.QueueMessageInput, len(batch))
	for i, m := range batch {
		m.input.Attempts++
		inputs[i] = m.input
	}

	decisions, err := b.dispatch(ctx, q.name, inputs)
	if err != nil {
		b.logger.Warn("queue handler failed",
			zap.String("queue", q.name), zap.Int("messages", len(batch)), zap.Error(err))
	}

	cfg := q.consumer
	now := b.now()
	var retry []*message
	var dead []*message

	b.mu.Lock()
	q.stats.Delivered += len(batch)
	for i, m := range batch {
		d := core.QueueDecision{Action: core.QueueActionRetry}
		if i < len(decisions) {
			d = decisions[i]
		}
		if d.Action != core.QueueActionRetry {
			q.stats.Acked++
			continue
		}
		if m.input.Attempts > cfg.MaxRetries {
			if cfg.DeadLetterQueue != "" {
				q.stats.DeadLettered++
				dead = append(dead, m)
			} else {
				q.stats.Dropped++
				b.logger.Warn("queue message dropped after max retries",
					zap.String("queue", q.name), zap.String("id", m.input.ID),
					zap.Int("attempts", m.input.Attempts))
			}
			continue
		}
		q.stats.Retried++
		delay := time.Duration(d.DelaySeconds) * time.Second
		if d.DelaySeconds == 0 {
			delay = cfg.RetryDelay
		}
		m.visibleAt = now.Add(delay)
		retry = append(retry, m)
	}
	q.messages = append(q.messages, retry...)
	b.mu.Unlock()

	if len(dead) > 0 {
		moved := make([]*message, len(dead))
		for i, m := range dead {
			in := m.input
			in.Attempts = 0
			moved[i] = &message{input: in, visibleAt: now}
		}
		if err := b.enqueue(cfg.DeadLetterQueue, moved); err != nil {
			b.logger.Error("moving messages to dead-letter queue",
				zap.String("queue", q.name), zap.String("dlq", cfg.DeadLetterQueue), zap.Error(err))
		}
	}
}

// Producer is the core.Queue binding for one queue.
type Producer struct {
	broker *Broker
	queue  string
}

var _ core.Queue = (*Producer)(nil)

func (p *Producer) Send(ctx context.Context, body any, opts core.QueueSendOptions) error {
	return p.SendBatch(ctx, []core.QueueSendRequest{{
		Body:         body,
		ContentType:  opts.ContentType,
		DelaySeconds: opts.DelaySeconds,
	}})
}

func (p *Producer) SendBatch(_ context.Context, reqs []core.QueueSendRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	if len(reqs) > core.MaxQueueBatchMessages {
		return fmt.Errorf("%w: %d messages (max %d)", core.ErrBatchTooLarge, len(reqs), core.MaxQueueBatchMessages)
	}
	now := p.broker.now()
	msgs := make([]*message, 0, len(reqs))
	total := 0
	for i, r := range reqs {
		if err := validateDelay(r.DelaySeconds); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		data, ct, err := Encode(r.Body, r.ContentType)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		total += len(data)
		msgs = append(msgs, &message{
			input: core.QueueMessageInput{
				ID:          newMessageID(),
				Timestamp:   now,
				Body:        data,
				ContentType: ct,
			},
			visibleAt: now.Add(time.Duration(r.DelaySeconds) * time.Second),
		})
	}
	if total > MaxQueueBatchBytes {
		return fmt.Errorf("%w: batch is %d bytes (max %d)", core.ErrBatchTooLarge, total, MaxQueueBatchBytes)
	}
	return p.broker.enqueue(p.queue, msgs)
}
