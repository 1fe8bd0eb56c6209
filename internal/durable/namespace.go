package durable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/core"
	"github.com/cryguy/worker/v3/internal/execctx"
)

// Alarm retry policy: up to MaxAlarmAttempts runs, doubling the delay
// from DefaultAlarmBackoff after each failure.
const (
	MaxAlarmAttempts    = 6
	DefaultAlarmBackoff = 2 * time.Second
)

// BlockConcurrencyTimeout bounds a BlockConcurrencyWhile callback.
const BlockConcurrencyTimeout = 30 * time.Second

// Namespace is a core.DurableObjectNamespace hosting one class.
type Namespace struct {
	name    string
	factory core.DurableObjectFactory
	store   *Store
	logger  *zap.Logger
	tracer  trace.Tracer
	bg      *execctx.Context

	// AlarmBackoff is the delay before the first alarm retry.
	AlarmBackoff time.Duration

	envMu sync.RWMutex
	env   *core.Env

	mu        sync.Mutex
	instances map[string]*instance
	timers    map[string]*time.Timer
	closed    bool
}

var _ core.DurableObjectNamespace = (*Namespace)(nil)

// Options configures a Namespace.
type Options struct {
	Logger *zap.Logger
	Pool   execctx.Submitter
	// Tracer records a span per stub fetch. Nil disables tracing.
	Tracer trace.Tracer
}

// NewNamespace creates the namespace called name whose instances are built
// by factory and persisted in store.
func NewNamespace(name string, factory core.DurableObjectFactory, store *Store, opts Options) *Namespace {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("namespace", name))
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Namespace{
		name:         name,
		factory:      factory,
		store:        store,
		logger:       logger,
		tracer:       tracer,
		bg:           execctx.New(context.Background(), opts.Pool, logger),
		AlarmBackoff: DefaultAlarmBackoff,
		instances:    make(map[string]*instance),
		timers:       make(map[string]*time.Timer),
	}
}

// Name returns the binding name.
func (n *Namespace) Name() string { return n.name }

// SetEnv sets the environment handed to instance factories. The env
// normally contains the namespace itself, so it is attached after both
// exist.
func (n *Namespace) SetEnv(env *core.Env) {
	n.envMu.Lock()
	n.env = env
	n.envMu.Unlock()
}

func (n *Namespace) currentEnv() *core.Env {
	n.envMu.RLock()
	defer n.envMu.RUnlock()
	return n.env
}

// IDFromName derives a stable ID: the SHA-256 of namespace and name.
func (n *Namespace) IDFromName(name string) core.DurableObjectID {
	h := sha256.New()
	h.Write([]byte(n.name))
	h.Write([]byte(":"))
	h.Write([]byte(name))
	return core.DurableObjectID{Namespace: n.name, Hex: hex.EncodeToString(h.Sum(nil)), Name: name}
}

// NewUniqueID returns a random ID. It never collides with a named ID in
// practice since both are 256-bit.
func (n *Namespace) NewUniqueID() core.DurableObjectID {
	a, b := uuid.New(), uuid.New()
	id := hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
	return core.DurableObjectID{Namespace: n.name, Hex: id}
}

// IDFromString parses an ID previously returned by String.
func (n *Namespace) IDFromString(s string) (core.DurableObjectID, error) {
	if len(s) != 64 {
		return core.DurableObjectID{}, fmt.Errorf("%w: want 64 hex characters, got %d", core.ErrInvalidObjectID, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil || strings.ToLower(s) != s {
		return core.DurableObjectID{}, fmt.Errorf("%w: %q is not lower-case hex", core.ErrInvalidObjectID, s)
	}
	return core.DurableObjectID{Namespace: n.name, Hex: s}, nil
}

// Get returns a stub for id. Stubs are cheap; the instance is created on
// the first request.
func (n *Namespace) Get(id core.DurableObjectID) core.DurableObjectStub {
	return &Stub{ns: n, id: id}
}

func (n *Namespace) instance(id core.DurableObjectID) (*instance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errors.New("durable object namespace is closed")
	}
	inst, ok := n.instances[id.Hex]
	if !ok {
		inst = newInstance(n, id)
		n.instances[id.Hex] = inst
	}
	return inst, nil
}

// RestoreAlarms schedules the alarms persisted by a previous run.
func (n *Namespace) RestoreAlarms(ctx context.Context) error {
	alarms, err := n.store.alarms(ctx, n.name)
	if err != nil {
		return err
	}
	for id, at := range alarms {
		n.scheduleAlarm(id, &at, 1)
	}
	if len(alarms) > 0 {
		n.logger.Info("restored alarms", zap.Int("count", len(alarms)))
	}
	return nil
}

func (n *Namespace) scheduleAlarm(objectID string, at *time.Time, attempt int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.timers[objectID]; ok {
		t.Stop()
		delete(n.timers, objectID)
	}
	if at == nil || n.closed {
		return
	}
	scheduled := *at
	n.timers[objectID] = time.AfterFunc(time.Until(scheduled), func() {
		n.fireAlarm(objectID, scheduled, attempt)
	})
}

func (n *Namespace) fireAlarm(objectID string, scheduled time.Time, attempt int) {
	inst, err := n.instance(core.DurableObjectID{Namespace: n.name, Hex: objectID})
	if err != nil {
		return
	}
	ctx := context.Background()

	err = inst.run(ctx, func(ctx context.Context, h core.DurableObjectHandler) error {
		current, err := inst.storage.GetAlarm(ctx)
		if err != nil {
			return err
		}
		// Replaced or cleared since the timer was armed.
		if current == nil || !current.Equal(time.UnixMilli(scheduled.UnixMilli())) {
			return errAlarmStale
		}
		alarmer, ok := h.(core.DurableObjectAlarmer)
		if !ok {
			n.logger.Warn("alarm fired for object without Alarm handler", zap.String("object", objectID))
			return inst.storage.DeleteAlarm(ctx)
		}
		// Cleared before the handler runs so it can schedule the next one.
		if err := inst.storage.DeleteAlarm(ctx); err != nil {
			return err
		}
		return alarmer.Alarm(ctx)
	})
	if err == nil || errors.Is(err, errAlarmStale) {
		return
	}

	if attempt >= MaxAlarmAttempts {
		n.logger.Error("alarm failed, giving up",
			zap.String("object", objectID), zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	delay := n.AlarmBackoff << (attempt - 1)
	n.logger.Warn("alarm failed, retrying",
		zap.String("object", objectID), zap.Int("attempt", attempt),
		zap.Duration("delay", delay), zap.Error(err))

	// Only re-arm when the handler did not schedule a different alarm itself.
	current, gerr := inst.storage.GetAlarm(ctx)
	if gerr == nil && (current == nil || current.Equal(time.UnixMilli(scheduled.UnixMilli()))) {
		retryAt := time.UnixMilli(time.Now().Add(delay).UnixMilli())
		// Written without notification so the retry keeps its attempt count.
		if serr := n.store.Object(n.name, objectID, nil).SetAlarm(ctx, retryAt); serr != nil {
			n.logger.Error("re-arming alarm", zap.String("object", objectID), zap.Error(serr))
			return
		}
		n.scheduleAlarm(objectID, &retryAt, attempt+1)
	}
}

var errAlarmStale = errors.New("alarm no longer scheduled")

// Close stops alarm timers, closes accepted sockets and waits up to
// timeout for WaitUntil tasks.
func (n *Namespace) Close(timeout time.Duration) error {
	n.mu.Lock()
	n.closed = true
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	instances := make([]*instance, 0, len(n.instances))
	for _, inst := range n.instances {
		instances = append(instances, inst)
	}
	n.mu.Unlock()

	for _, inst := range instances {
		for _, ws := range inst.webSockets("") {
			_ = ws.Close(1001, "namespace shutting down")
		}
	}
	return n.bg.Wait(timeout)
}

// Stub forwards requests to one instance.
type Stub struct {
	ns *Namespace
	id core.DurableObjectID
}

var _ core.DurableObjectStub = (*Stub)(nil)

func (s *Stub) ID() core.DurableObjectID { return s.id }

// Fetch delivers req to the instance once every earlier event has finished.
func (s *Stub) Fetch(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	if s.id.Namespace != "" && s.id.Namespace != s.ns.name {
		return nil, fmt.Errorf("%w: ID belongs to namespace %q", core.ErrInvalidObjectID, s.id.Namespace)
	}
	ctx, span := s.ns.tracer.Start(ctx, "durable_object.fetch", trace.WithAttributes(
		attribute.String("worker.durable_object.class", s.ns.name),
		attribute.String("worker.durable_object.id", s.id.Hex),
	))
	defer span.End()

	resp, err := s.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (s *Stub) fetch(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	inst, err := s.ns.instance(s.id)
	if err != nil {
		return nil, err
	}
	var resp *core.WorkerResponse
	err = inst.run(ctx, func(ctx context.Context, h core.DurableObjectHandler) error {
		var ferr error
		resp, ferr = h.Fetch(ctx, req.Clone())
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, core.ErrNoResponse
	}
	return resp, nil
}
