package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testEnv() *Env {
	return &Env{
		Environment: EnvDevelopment,
		Assets: FetcherFunc(func(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
			return NewResponse(404, "no asset"), nil
		}),
	}
}

func newTestHost(t *testing.T, cfg HostConfig, handlers Handlers, opts ...Option) *Host {
	t.Helper()
	h, err := NewHost(cfg, handlers, testEnv(), opts...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	h.scheduledBackoff = time.Millisecond
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func getReq(url string) *WorkerRequest {
	return &WorkerRequest{Method: "GET", URL: url, Headers: map[string]string{}}
}

func TestExecute_ReturnsResponseAndLogs(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			Logger(ctx).Log("handling", req.URL)
			Logger(ctx).Warn("env is", env.Environment)
			return NewResponse(200, "hello"), nil
		},
	})

	r := h.Execute(context.Background(), getReq("http://localhost/a"))
	if r.Error != nil {
		t.Fatalf("Execute error: %v", r.Error)
	}
	if r.Response.StatusCode != 200 || string(r.Response.Body) != "hello" {
		t.Errorf("response = %d %q, want 200 %q", r.Response.StatusCode, r.Response.Body, "hello")
	}
	if len(r.Logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(r.Logs))
	}
	if r.Logs[0].Level != "log" || r.Logs[0].Message != "handling http://localhost/a" {
		t.Errorf("logs[0] = %+v", r.Logs[0])
	}
	if r.Logs[1].Level != "warn" || r.Logs[1].Message != "env is development" {
		t.Errorf("logs[1] = %+v", r.Logs[1])
	}
	if r.Duration <= 0 {
		t.Error("Duration should be positive")
	}
}

func TestExecute_HandlerGetsCopyOfRequest(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			req.Headers["x-mutated"] = "yes"
			return NewResponse(200, ""), nil
		},
	})
	req := getReq("http://localhost/")
	h.Execute(context.Background(), req)
	if _, ok := req.Headers["x-mutated"]; ok {
		t.Error("handler mutation leaked into the caller's request")
	}
}

func TestExecute_DrainsWaitUntil(t *testing.T) {
	var done atomic.Int32
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			for i := 0; i < 3; i++ {
				ec.WaitUntil(func(ctx context.Context) error {
					time.Sleep(10 * time.Millisecond)
					done.Add(1)
					return nil
				})
			}
			return NewResponse(200, "ok"), nil
		},
	})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if r.Error != nil {
		t.Fatalf("Execute error: %v", r.Error)
	}
	if got := done.Load(); got != 3 {
		t.Errorf("completed waitUntil tasks = %d, want 3", got)
	}
}

func TestExecute_PanicBecomesError(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			panic("boom")
		},
	})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if r.Error == nil || !strings.Contains(r.Error.Error(), "boom") {
		t.Errorf("error = %v, want panic message", r.Error)
	}
	if r.Response != nil {
		t.Error("response should be nil after a panic")
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newTestHost(t, HostConfig{ExecutionTimeout: 50 * time.Millisecond}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return NewResponse(200, "late"), nil
		},
	})
	start := time.Now()
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if r.Error == nil || !strings.Contains(r.Error.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", r.Error)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute took %v, want about 50ms", elapsed)
	}
}

func TestExecute_NilResponse(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			return nil, nil
		},
	})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if !errors.Is(r.Error, ErrNoResponse) {
		t.Errorf("error = %v, want ErrNoResponse", r.Error)
	}
}

func TestExecute_NoFetchHandler(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if !errors.Is(r.Error, ErrNoHandler) {
		t.Errorf("error = %v, want ErrNoHandler", r.Error)
	}
}

func TestExecute_ResponseTooLarge(t *testing.T) {
	h := newTestHost(t, HostConfig{MaxResponseBytes: 8}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			return NewResponse(200, "0123456789"), nil
		},
	})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if !errors.Is(r.Error, ErrValueTooLarge) {
		t.Errorf("error = %v, want ErrValueTooLarge", r.Error)
	}
}

func TestExecute_FetchListener(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		FetchListener: func(ctx context.Context, event *FetchEvent) {
			event.WaitUntil(func(ctx context.Context) error { return nil })
			if err := event.RespondWith(NewResponse(201, "from listener "+event.Request.Method)); err != nil {
				t.Errorf("RespondWith: %v", err)
			}
			if err := event.RespondWith(NewResponse(200, "second")); !errors.Is(err, ErrAlreadyResponded) {
				t.Errorf("second RespondWith = %v, want ErrAlreadyResponded", err)
			}
		},
	})
	r := h.Execute(context.Background(), getReq("http://localhost/"))
	if r.Error != nil {
		t.Fatalf("Execute error: %v", r.Error)
	}
	if r.Response.StatusCode != 201 || string(r.Response.Body) != "from listener GET" {
		t.Errorf("response = %d %q", r.Response.StatusCode, r.Response.Body)
	}
}

func TestExecute_FetchListenerWithoutResponse(t *testing.T) {
	listener := func(ctx context.Context, event *FetchEvent) {}

	t.Run("no origin", func(t *testing.T) {
		h := newTestHost(t, HostConfig{}, Handlers{FetchListener: listener})
		r := h.Execute(context.Background(), getReq("http://localhost/"))
		if !errors.Is(r.Error, ErrNoResponse) {
			t.Errorf("error = %v, want ErrNoResponse", r.Error)
		}
	})

	t.Run("origin", func(t *testing.T) {
		origin := FetcherFunc(func(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
			return NewResponse(200, "origin "+req.URL), nil
		})
		h := newTestHost(t, HostConfig{}, Handlers{FetchListener: listener}, WithOrigin(origin))
		r := h.Execute(context.Background(), getReq("http://localhost/x"))
		if r.Error != nil {
			t.Fatalf("Execute error: %v", r.Error)
		}
		if !r.PassedThrough || string(r.Response.Body) != "origin http://localhost/x" {
			t.Errorf("PassedThrough = %v, body = %q", r.PassedThrough, r.Response.Body)
		}
	})
}

func TestExecute_PassThroughOnException(t *testing.T) {
	var originCalls atomic.Int32
	origin := FetcherFunc(func(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
		originCalls.Add(1)
		return NewResponse(200, "origin"), nil
	})
	failing := func(pass bool) Handler {
		return func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			if pass {
				ec.PassThroughOnException()
			}
			return nil, errors.New("handler failed")
		}
	}

	tests := []struct {
		name       string
		pass       bool
		withOrigin bool
		wantPassed bool
	}{
		{"enabled with origin", true, true, true},
		{"not enabled", false, true, false},
		{"enabled without origin", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.withOrigin {
				opts = append(opts, WithOrigin(origin))
			}
			h := newTestHost(t, HostConfig{}, Handlers{Fetch: failing(tt.pass)}, opts...)
			r := h.Execute(context.Background(), getReq("http://localhost/"))
			if r.PassedThrough != tt.wantPassed {
				t.Errorf("PassedThrough = %v, want %v", r.PassedThrough, tt.wantPassed)
			}
			if tt.wantPassed {
				if r.Error != nil || string(r.Response.Body) != "origin" {
					t.Errorf("result = %v %+v, want origin response", r.Error, r.Response)
				}
			} else if r.Error == nil {
				t.Error("expected handler error")
			}
		})
	}
	if got := originCalls.Load(); got != 1 {
		t.Errorf("origin calls = %d, want 1", got)
	}
}

func TestNewHost_Validation(t *testing.T) {
	noop := func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
		return NewResponse(200, ""), nil
	}

	tests := []struct {
		name     string
		cfg      HostConfig
		handlers Handlers
		env      func() *Env
		wantErr  error
	}{
		{"invalid environment", HostConfig{}, Handlers{Fetch: noop}, func() *Env {
			e := testEnv()
			e.Environment = "prod"
			return e
		}, ErrInvalidEnvironment},
		{"missing assets", HostConfig{}, Handlers{Fetch: noop}, func() *Env {
			e := testEnv()
			e.Assets = nil
			return e
		}, ErrMissingAssets},
		{"crons without handler", HostConfig{Crons: []string{"* * * * *"}}, Handlers{Fetch: noop}, testEnv, ErrNoHandler},
		{"unknown durable class", HostConfig{DurableObjects: []DurableObjectConfig{{Binding: "C", ClassName: "Missing"}}},
			Handlers{Fetch: noop, DurableObjects: map[string]DurableObjectFactory{"Counter": newCounter}}, testEnv, ErrNoHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHost(tt.cfg, tt.handlers, tt.env())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("fetch and listener", func(t *testing.T) {
		_, err := NewHost(HostConfig{}, Handlers{Fetch: noop, FetchListener: func(context.Context, *FetchEvent) {}}, testEnv())
		if err == nil {
			t.Error("expected error for both Fetch and FetchListener")
		}
	})

	t.Run("bad cron", func(t *testing.T) {
		_, err := NewHost(HostConfig{Crons: []string{"61 * * * *"}}, Handlers{
			Scheduled: func(context.Context, *ScheduledEvent, *Env, ExecutionContext) error { return nil },
		}, testEnv())
		if err == nil {
			t.Error("expected error for invalid cron")
		}
	})
}

func TestExecuteScheduled_Retries(t *testing.T) {
	var attempts atomic.Int32
	h := newTestHost(t, HostConfig{ScheduledMaxRetries: 2}, Handlers{
		Scheduled: func(ctx context.Context, event *ScheduledEvent, env *Env, ec ExecutionContext) error {
			n := attempts.Add(1)
			Logger(ctx).Log("attempt", n, event.Cron)
			if n < 3 {
				return fmt.Errorf("attempt %d failed", n)
			}
			return nil
		},
	})
	r := h.ExecuteScheduled(context.Background(), "*/5 * * * *")
	if r.Error != nil {
		t.Fatalf("error = %v, want success on third attempt", r.Error)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if len(r.Logs) != 3 || r.Logs[2].Message != "attempt 3 */5 * * * *" {
		t.Errorf("logs = %+v", r.Logs)
	}
}

func TestExecuteScheduled_GivesUp(t *testing.T) {
	var attempts atomic.Int32
	h := newTestHost(t, HostConfig{ScheduledMaxRetries: 1}, Handlers{
		Scheduled: func(ctx context.Context, event *ScheduledEvent, env *Env, ec ExecutionContext) error {
			attempts.Add(1)
			return errors.New("always")
		},
	})
	r := h.ExecuteScheduled(context.Background(), "* * * * *")
	if r.Error == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestExecuteScheduled_NoRetry(t *testing.T) {
	var attempts atomic.Int32
	var scheduledTime time.Time
	h := newTestHost(t, HostConfig{ScheduledMaxRetries: 5}, Handlers{
		Scheduled: func(ctx context.Context, event *ScheduledEvent, env *Env, ec ExecutionContext) error {
			attempts.Add(1)
			scheduledTime = event.ScheduledTime
			event.NoRetry()
			return errors.New("fatal")
		},
	})
	r := h.ExecuteScheduled(context.Background(), "0 * * * *")
	if r.Error == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if scheduledTime.IsZero() {
		t.Error("ScheduledTime should be set")
	}
}

func TestExecuteScheduled_ZeroRetriesRunsOnce(t *testing.T) {
	var attempts atomic.Int32
	h := newTestHost(t, HostConfig{}, Handlers{
		Scheduled: func(context.Context, *ScheduledEvent, *Env, ExecutionContext) error {
			attempts.Add(1)
			return errors.New("boom")
		},
	})
	if got := h.Config().ScheduledMaxRetries; got != 0 {
		t.Errorf("ScheduledMaxRetries = %d, want 0", got)
	}
	if r := h.ExecuteScheduled(context.Background(), "* * * * *"); r.Error == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestExecuteScheduled_NoHandler(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{})
	r := h.ExecuteScheduled(context.Background(), "* * * * *")
	if !errors.Is(r.Error, ErrNoHandler) {
		t.Errorf("error = %v, want ErrNoHandler", r.Error)
	}
}

type job struct {
	N int `json:"n"`
}

func TestExecuteQueue_Decisions(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Queue: NewQueueConsumer(func(ctx context.Context, batch *MessageBatch[job], env *Env, ec ExecutionContext) error {
			for _, m := range batch.Messages {
				if m.Body.N%2 == 0 {
					m.Ack()
				} else {
					m.Retry(RetryOptions{})
				}
			}
			return nil
		}),
	})

	var msgs []QueueMessageInput
	for i := 0; i < 4; i++ {
		body, _ := json.Marshal(job{N: i})
		msgs = append(msgs, QueueMessageInput{ID: fmt.Sprintf("m%d", i), Body: body, ContentType: QueueContentJSON, Attempts: 1})
	}
	out, err := h.ExecuteQueue(context.Background(), "jobs", msgs)
	if err != nil {
		t.Fatalf("ExecuteQueue: %v", err)
	}
	if out.Error != nil {
		t.Fatalf("handler error: %v", out.Error)
	}
	if got := strings.Join(out.Acked(), ","); got != "m0,m2" {
		t.Errorf("acked = %s, want m0,m2", got)
	}
	if got := strings.Join(out.Retried(), ","); got != "m1,m3" {
		t.Errorf("retried = %s, want m1,m3", got)
	}
}

func TestExecuteQueue_HandlerErrorRetriesUndecided(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		Queue: NewQueueConsumer(func(ctx context.Context, batch *MessageBatch[job], env *Env, ec ExecutionContext) error {
			batch.Messages[0].Ack()
			return errors.New("crashed")
		}),
	})
	msgs := []QueueMessageInput{
		{ID: "a", Body: []byte(`{"n":1}`), ContentType: QueueContentJSON},
		{ID: "b", Body: []byte(`{"n":2}`), ContentType: QueueContentJSON},
	}
	out, err := h.ExecuteQueue(context.Background(), "jobs", msgs)
	if err != nil {
		t.Fatalf("ExecuteQueue: %v", err)
	}
	if out.Error == nil {
		t.Error("expected handler error in outcome")
	}
	if got := strings.Join(out.Acked(), ","); got != "a" {
		t.Errorf("acked = %s, want a", got)
	}
	if got := strings.Join(out.Retried(), ","); got != "b" {
		t.Errorf("retried = %s, want b", got)
	}
}

func TestExecuteQueue_NoHandler(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{})
	if _, err := h.ExecuteQueue(context.Background(), "jobs", nil); !errors.Is(err, ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestQueue_ProducerToConsumer(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	cfg := HostConfig{Queues: QueuesConfig{
		Producers: []QueueProducerConfig{{Binding: "JOBS", Queue: "jobs"}},
		Consumers: []QueueConsumerConfig{{Queue: "jobs", MaxBatchSize: 10}},
	}}
	h := newTestHost(t, cfg, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			for i := 1; i <= 3; i++ {
				if err := env.Queues["JOBS"].Send(ctx, job{N: i}, QueueSendOptions{}); err != nil {
					return nil, err
				}
			}
			return NewResponse(202, "queued"), nil
		},
		Queue: NewQueueConsumer(func(ctx context.Context, batch *MessageBatch[job], env *Env, ec ExecutionContext) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range batch.Messages {
				seen = append(seen, m.Body.N)
			}
			return nil
		}),
	})

	r := h.Execute(context.Background(), getReq("http://localhost/enqueue"))
	if r.Error != nil {
		t.Fatalf("Execute error: %v", r.Error)
	}
	n, err := h.DrainQueue(context.Background(), "jobs")
	if err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}
	if n != 3 {
		t.Errorf("delivered = %d, want 3", n)
	}
	mu.Lock()
	got := fmt.Sprint(seen)
	mu.Unlock()
	if got != "[1 2 3]" {
		t.Errorf("seen = %s, want [1 2 3]", got)
	}
	if st := h.QueueStats("jobs"); st.Acked != 3 || st.Pending != 0 {
		t.Errorf("stats = %+v, want 3 acked and nothing pending", st)
	}
}

type counterObject struct {
	state DurableObjectState
}

func newCounter(state DurableObjectState, _ *Env) DurableObjectHandler {
	return &counterObject{state: state}
}

func (c *counterObject) Fetch(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	var n int
	raw, ok, err := c.state.Storage().Get(ctx, "n")
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
	}
	n++
	if err := c.state.Storage().Put(ctx, "n", n); err != nil {
		return nil, err
	}
	return NewResponse(200, fmt.Sprint(n)), nil
}

func TestDurableObjects_BoundIntoEnv(t *testing.T) {
	cfg := HostConfig{DurableObjects: []DurableObjectConfig{{Binding: "COUNTER", ClassName: "Counter"}}}
	h := newTestHost(t, cfg, Handlers{
		DurableObjects: map[string]DurableObjectFactory{"Counter": newCounter},
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			ns := env.DurableObjects["COUNTER"]
			return ns.Get(ns.IDFromName("shared")).Fetch(ctx, req)
		},
	})
	for want := 1; want <= 3; want++ {
		r := h.Execute(context.Background(), getReq("http://localhost/"))
		if r.Error != nil {
			t.Fatalf("Execute error: %v", r.Error)
		}
		if got := string(r.Response.Body); got != fmt.Sprint(want) {
			t.Errorf("count = %s, want %d", got, want)
		}
	}
}

func TestDurableObjects_DefaultBindingIsClassName(t *testing.T) {
	h := newTestHost(t, HostConfig{}, Handlers{
		DurableObjects: map[string]DurableObjectFactory{"Counter": newCounter},
	})
	if _, ok := h.Env().DurableObjects["Counter"]; !ok {
		t.Error("Counter namespace should be bound under its class name")
	}
}

func TestExecute_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newTestHost(t, HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			return nil, errors.New("broken")
		},
	}, WithTracerProvider(tp))

	h.Execute(context.Background(), getReq("http://localhost/"))
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "worker.fetch" {
		t.Errorf("span name = %q, want worker.fetch", spans[0].Name())
	}
	if spans[0].Status().Description != "broken" {
		t.Errorf("span status = %+v, want error description", spans[0].Status())
	}
}

func TestStartShutdown(t *testing.T) {
	h, err := NewHost(HostConfig{Crons: []string{"* * * * *"}}, Handlers{
		Scheduled: func(context.Context, *ScheduledEvent, *Env, ExecutionContext) error { return nil },
	}, testEnv())
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Start(context.Background()); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}
