package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
	"github.com/cryguy/worker/v3/internal/cron"
	"github.com/cryguy/worker/v3/internal/durable"
	"github.com/cryguy/worker/v3/internal/execctx"
	"github.com/cryguy/worker/v3/internal/queue"
	"github.com/cryguy/worker/v3/internal/service"
)

const tracerName = "github.com/cryguy/worker/v3"

// Host runs one worker: it owns the env, dispatches fetch, scheduled and
// queue events to the handlers, and hosts the Durable Object namespaces.
type Host struct {
	cfg      HostConfig
	handlers Handlers
	env      *Env
	logger   *zap.Logger
	tracer   trace.Tracer
	origin   Fetcher

	pool     *ants.Pool
	ownsPool bool

	store      *durable.Store
	namespaces map[string]*durable.Namespace
	broker     *queue.Broker
	scheduler  *cron.Scheduler

	// scheduledBackoff is the delay before the first retry of a failed
	// cron run; later retries double it.
	scheduledBackoff time.Duration

	// inflight counts waitUntil drains still running after ServeHTTP wrote
	// its response.
	inflight sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// NewHost validates cfg and env and wires the handlers. Durable Object
// namespaces and queue producers declared in cfg are added to env.
func NewHost(cfg HostConfig, handlers Handlers, env *Env, opts ...Option) (*Host, error) {
	o := hostOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	cfg = withDefaults(cfg)
	if env != nil && env.Environment == "" {
		env.Environment = cfg.Environment
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if handlers.Fetch != nil && handlers.FetchListener != nil {
		return nil, errors.New("handlers: Fetch and FetchListener are mutually exclusive")
	}

	h := &Host{
		cfg:              cfg,
		handlers:         handlers,
		env:              env,
		logger:           o.logger,
		tracer:           o.tracerProvider.Tracer(tracerName),
		origin:           o.origin,
		pool:             o.pool,
		namespaces:       make(map[string]*durable.Namespace),
		scheduledBackoff: time.Second,
	}

	if h.origin == nil && cfg.Origin != "" {
		remote, err := service.NewRemote(cfg.Origin, service.RemoteOptions{MaxResponseBytes: int64(cfg.MaxResponseBytes)})
		if err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
		h.origin = remote
	}

	if h.pool == nil {
		pool, err := ants.NewPool(cfg.BackgroundWorkers)
		if err != nil {
			return nil, fmt.Errorf("creating background pool: %w", err)
		}
		h.pool, h.ownsPool = pool, true
	}

	if err := h.setupDurableObjects(); err != nil {
		h.release()
		return nil, err
	}

	broker, err := queue.NewBroker(cfg.Queues.Consumers, h.dispatchQueue, h.logger.Named("queue"))
	if err != nil {
		h.release()
		return nil, err
	}
	h.broker = broker
	if len(cfg.Queues.Producers) > 0 && env.Queues == nil {
		env.Queues = make(map[string]core.Queue, len(cfg.Queues.Producers))
	}
	for _, p := range cfg.Queues.Producers {
		if _, ok := env.Queues[p.Binding]; !ok {
			env.Queues[p.Binding] = broker.Producer(p.Queue)
		}
	}

	if len(cfg.Crons) > 0 {
		if handlers.Scheduled == nil {
			h.release()
			return nil, fmt.Errorf("%w: crons configured without a scheduled handler", core.ErrNoHandler)
		}
		if h.scheduler, err = cron.NewScheduler(cfg.Crons, h.dispatchCron, h.logger.Named("cron")); err != nil {
			h.release()
			return nil, err
		}
	}
	return h, nil
}

// withDefaults fills the zero timeouts, sizes, worker count, mode and
// listen address of cfg from DefaultHostConfig. DataDir is left alone
// (empty means in-memory storage), and a zero ScheduledMaxRetries means a
// failed cron run is not retried. LoadConfig applies the file defaults,
// including the retry count, before a config reaches NewHost.
func withDefaults(cfg HostConfig) HostConfig {
	def := core.DefaultHostConfig()
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.WaitUntilTimeout <= 0 {
		cfg.WaitUntilTimeout = def.WaitUntilTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	if cfg.BackgroundWorkers <= 0 {
		cfg.BackgroundWorkers = def.BackgroundWorkers
	}
	if cfg.ScheduledMaxRetries < 0 {
		cfg.ScheduledMaxRetries = 0
	}
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	return cfg
}

func (h *Host) setupDurableObjects() error {
	if len(h.handlers.DurableObjects) == 0 {
		if len(h.cfg.DurableObjects) > 0 {
			return fmt.Errorf("%w: durable object bindings configured without factories", core.ErrNoHandler)
		}
		return nil
	}
	bindings := make(map[string]string) // binding -> class
	for _, b := range h.cfg.DurableObjects {
		if _, ok := h.handlers.DurableObjects[b.ClassName]; !ok {
			return fmt.Errorf("%w: durable object class %q", core.ErrNoHandler, b.ClassName)
		}
		bindings[b.Binding] = b.ClassName
	}
	if len(bindings) == 0 {
		for class := range h.handlers.DurableObjects {
			bindings[class] = class
		}
	}

	var err error
	if h.cfg.DataDir == "" {
		h.store, err = durable.OpenMemoryStore()
	} else {
		h.store, err = durable.OpenStore(h.cfg.DataDir)
	}
	if err != nil {
		return err
	}

	if h.env.DurableObjects == nil {
		h.env.DurableObjects = make(map[string]core.DurableObjectNamespace, len(bindings))
	}
	for binding, class := range bindings {
		ns, ok := h.namespaces[class]
		if !ok {
			ns = durable.NewNamespace(class, h.handlers.DurableObjects[class], h.store, durable.Options{
				Logger: h.logger.Named("durable"),
				Pool:   h.pool,
				Tracer: h.tracer,
			})
			ns.SetEnv(h.env)
			h.namespaces[class] = ns
		}
		h.env.DurableObjects[binding] = ns
	}
	return nil
}

// Env returns the env handed to every handler.
func (h *Host) Env() *Env { return h.env }

// Config returns the effective configuration.
func (h *Host) Config() HostConfig { return h.cfg }

// invoke runs fn with the execution timeout and turns panics into errors.
// A handler that ignores ctx keeps its goroutine until it returns.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("worker panic: %v", r)
			}
			done <- out
		}()
		out.v, out.err = fn(ctx)
	}()

	select {
	case out := <-done:
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("worker execution timed out (limit: %v)", timeout)
		}
		return zero, ctx.Err()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Execute runs the fetch handler for req and waits for its waitUntil
// tasks. Handler failures are reported in the result, never returned.
func (h *Host) Execute(ctx context.Context, req *WorkerRequest) *WorkerResult {
	result, ec := h.execute(ctx, req)
	h.drain(ec)
	return result
}

func (h *Host) drain(ec *execctx.Context) {
	if ec == nil {
		return
	}
	if err := ec.Wait(h.cfg.WaitUntilTimeout); err != nil {
		h.logger.Warn("waitUntil", zap.Error(err))
	}
}

func (h *Host) execute(ctx context.Context, req *WorkerRequest) (*WorkerResult, *execctx.Context) {
	start := time.Now()
	result := &WorkerResult{}
	if req == nil {
		result.Error = errors.New("request must not be nil")
		return result, nil
	}

	ctx, span := h.tracer.Start(ctx, "worker.fetch", trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
			attribute.String("worker.environment", string(h.env.Environment)),
		))
	rs := core.NewRequestState(h.env)
	ctx = core.WithRequestState(ctx, rs)
	ec := execctx.New(ctx, h.pool, h.logger)

	resp, err := h.runFetch(ctx, req, ec)
	if err != nil && h.shouldPassThrough(err, ec) {
		h.logger.Info("passing request through to origin", zap.String("url", req.URL), zap.Error(err))
		originResp, originErr := h.origin.Fetch(ctx, req.Clone())
		if originErr != nil {
			err = fmt.Errorf("%w (origin: %v)", err, originErr)
		} else {
			resp, err = originResp, nil
			result.PassedThrough = true
		}
	}
	if err == nil && resp != nil && len(resp.Body) > h.cfg.MaxResponseBytes {
		err = fmt.Errorf("%w: response body is %d bytes (max %d)", core.ErrValueTooLarge, len(resp.Body), h.cfg.MaxResponseBytes)
		resp = nil
	}

	result.Response = resp
	result.Error = err
	result.Logs = rs.Logs()
	result.Duration = time.Since(start)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	endSpan(span, err)
	return result, ec
}

func (h *Host) shouldPassThrough(err error, ec *execctx.Context) bool {
	if h.origin == nil {
		return false
	}
	return ec.PassThrough() || errors.Is(err, errNoRespondWith)
}

var errNoRespondWith = fmt.Errorf("%w: fetch listener did not call respondWith", core.ErrNoResponse)

func (h *Host) runFetch(ctx context.Context, req *WorkerRequest, ec *execctx.Context) (*WorkerResponse, error) {
	switch {
	case h.handlers.Fetch != nil:
		resp, err := invoke(ctx, h.cfg.ExecutionTimeout, func(ctx context.Context) (*WorkerResponse, error) {
			return h.handlers.Fetch(ctx, req.Clone(), h.env, ec)
		})
		if err == nil && resp == nil {
			err = core.ErrNoResponse
		}
		return resp, err

	case h.handlers.FetchListener != nil:
		return invoke(ctx, h.cfg.ExecutionTimeout, func(ctx context.Context) (*WorkerResponse, error) {
			event := core.NewFetchEvent(req.Clone(), ec)
			h.handlers.FetchListener(ctx, event)
			respond, ok := event.Responder()
			if !ok {
				return nil, errNoRespondWith
			}
			resp, err := respond(ctx)
			if err == nil && resp == nil {
				err = core.ErrNoResponse
			}
			return resp, err
		})

	default:
		return nil, fmt.Errorf("%w: no fetch handler", core.ErrNoHandler)
	}
}

// ExecuteScheduled runs the scheduled handler for cron as if the trigger
// fired now. A failed run is retried up to ScheduledMaxRetries times
// unless the handler called NoRetry.
func (h *Host) ExecuteScheduled(ctx context.Context, cronExpr string) *WorkerResult {
	return h.executeScheduled(ctx, cronExpr, time.Now().UTC())
}

func (h *Host) executeScheduled(ctx context.Context, cronExpr string, at time.Time) *WorkerResult {
	start := time.Now()
	result := &WorkerResult{}
	if h.handlers.Scheduled == nil {
		result.Error = fmt.Errorf("%w: no scheduled handler", core.ErrNoHandler)
		return result
	}

	ctx, span := h.tracer.Start(ctx, "worker.scheduled", trace.WithAttributes(attribute.String("worker.cron", cronExpr)))
	rs := core.NewRequestState(h.env)
	ctx = core.WithRequestState(ctx, rs)

	backoff := h.scheduledBackoff
	var err error
	for attempt := 0; ; attempt++ {
		event := &core.ScheduledEvent{Cron: cronExpr, ScheduledTime: at}
		ec := execctx.New(ctx, h.pool, h.logger)
		_, err = invoke(ctx, h.cfg.ExecutionTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.handlers.Scheduled(ctx, event, h.env, ec)
		})
		h.drain(ec)
		if err == nil || event.RetryDisabled() || attempt >= h.cfg.ScheduledMaxRetries {
			break
		}
		h.logger.Warn("scheduled handler failed, retrying",
			zap.String("cron", cronExpr), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			result.Error = err
			result.Logs = rs.Logs()
			result.Duration = time.Since(start)
			endSpan(span, err)
			return result
		}
		backoff *= 2
	}

	result.Error = err
	result.Logs = rs.Logs()
	result.Duration = time.Since(start)
	endSpan(span, err)
	return result
}

func (h *Host) dispatchCron(ctx context.Context, expr string, scheduled time.Time) {
	result := h.executeScheduled(ctx, expr, scheduled)
	if result.Error != nil {
		h.logger.Error("scheduled run failed", zap.String("cron", expr), zap.Error(result.Error))
		return
	}
	h.logger.Debug("scheduled run finished", zap.String("cron", expr), zap.Duration("duration", result.Duration))
}

// QueueOutcome is the result of delivering one batch to the queue handler.
type QueueOutcome struct {
	// Decisions are aligned with the delivered messages.
	Decisions []QueueDecision
	IDs       []string
	Logs      []LogEntry
	Error     error
	Duration  time.Duration
}

// Acked returns the IDs of acknowledged messages.
func (o *QueueOutcome) Acked() []string { return o.filter(core.QueueActionAck) }

// Retried returns the IDs of messages that will be redelivered.
func (o *QueueOutcome) Retried() []string { return o.filter(core.QueueActionRetry) }

func (o *QueueOutcome) filter(a core.QueueAction) []string {
	var out []string
	for i, d := range o.Decisions {
		if d.Action == a && i < len(o.IDs) {
			out = append(out, o.IDs[i])
		}
	}
	return out
}

// ExecuteQueue delivers msgs to the queue handler as one batch. The error
// is non-nil only when no queue handler is registered; handler failures are
// reported in the outcome.
func (h *Host) ExecuteQueue(ctx context.Context, queueName string, msgs []QueueMessageInput) (*QueueOutcome, error) {
	if h.handlers.Queue == nil {
		return nil, fmt.Errorf("%w: no queue handler", core.ErrNoHandler)
	}
	if len(msgs) > core.MaxQueueBatchMessages {
		return nil, fmt.Errorf("%w: %d messages (max %d)", core.ErrBatchTooLarge, len(msgs), core.MaxQueueBatchMessages)
	}
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "worker.queue", trace.WithAttributes(
		attribute.String("messaging.destination.name", queueName),
		attribute.Int("messaging.batch.message_count", len(msgs)),
	))
	rs := core.NewRequestState(h.env)
	ctx = core.WithRequestState(ctx, rs)
	ec := execctx.New(ctx, h.pool, h.logger)

	decisions, err := invoke(ctx, h.cfg.ExecutionTimeout, func(ctx context.Context) ([]core.QueueDecision, error) {
		return h.handlers.Queue.Consume(ctx, queueName, msgs, h.env, ec)
	})
	if len(decisions) != len(msgs) {
		// Timed out or a broken consumer: everything undecided is retried.
		fixed := make([]core.QueueDecision, len(msgs))
		copy(fixed, decisions)
		for i := len(decisions); i < len(msgs); i++ {
			fixed[i] = core.QueueDecision{Action: core.QueueActionRetry}
		}
		decisions = fixed
	}
	h.drain(ec)

	out := &QueueOutcome{
		Decisions: decisions,
		IDs:       make([]string, len(msgs)),
		Logs:      rs.Logs(),
		Error:     err,
		Duration:  time.Since(start),
	}
	for i, m := range msgs {
		out.IDs[i] = m.ID
	}
	endSpan(span, err)
	return out, nil
}

// dispatchQueue feeds broker batches to the handler on the background pool.
func (h *Host) dispatchQueue(ctx context.Context, queueName string, msgs []core.QueueMessageInput) ([]core.QueueDecision, error) {
	type reply struct {
		out *QueueOutcome
		err error
	}
	done := make(chan reply, 1)
	run := func() {
		out, err := h.ExecuteQueue(ctx, queueName, msgs)
		done <- reply{out, err}
	}
	if err := h.pool.Submit(run); err != nil {
		go run()
	}
	r := <-done
	if r.err != nil {
		return nil, r.err
	}
	for _, l := range r.out.Logs {
		h.logger.Debug("queue handler log", zap.String("queue", queueName), zap.String("level", l.Level), zap.String("message", l.Message))
	}
	return r.out.Decisions, r.out.Error
}

// QueueStats returns the broker statistics of a queue.
func (h *Host) QueueStats(queueName string) queue.Stats { return h.broker.Stats(queueName) }

// DrainQueue delivers every visible message of a consumed queue now,
// ignoring the batch timeout.
func (h *Host) DrainQueue(ctx context.Context, queueName string) (int, error) {
	return h.broker.Drain(ctx, queueName)
}

// Start restores Durable Object alarms and starts the cron scheduler and
// the queue consumers. It returns immediately.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errors.New("host is shut down")
	}
	if h.started {
		return nil
	}
	for name, ns := range h.namespaces {
		if err := ns.RestoreAlarms(ctx); err != nil {
			return fmt.Errorf("restoring alarms of %s: %w", name, err)
		}
	}
	ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.broker.Start(ctx)
	if h.scheduler != nil {
		h.loops.Add(1)
		go func() {
			defer h.loops.Done()
			h.scheduler.Run(ctx)
		}()
	}
	h.started = true
	h.logger.Info("worker host started",
		zap.String("name", h.cfg.Name),
		zap.Stringer("environment", h.env.Environment),
		zap.Strings("crons", h.cfg.Crons),
		zap.Int("durable_object_classes", len(h.namespaces)))
	return nil
}

// Shutdown stops the scheduler and queue consumers, closes Durable Object
// sockets and waits for outstanding waitUntil work, bounded by ctx.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.loops.Wait()
	h.broker.Stop()

	timeout := h.cfg.WaitUntilTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	var errs []error
	for name, ns := range h.namespaces {
		if err := ns.Close(timeout); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}

	drained := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for waitUntil tasks: %w", ctx.Err()))
	}

	h.release()
	h.logger.Info("worker host stopped")
	return errors.Join(errs...)
}

// admit registers an in-flight request unless Shutdown has begun. The
// caller must call h.inflight.Done when the request and its waitUntil
// work are finished.
func (h *Host) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.inflight.Add(1)
	return true
}

func (h *Host) release() {
	if h.store != nil {
		_ = h.store.Close()
		h.store = nil
	}
	if h.ownsPool && h.pool != nil {
		h.pool.Release()
	}
}
