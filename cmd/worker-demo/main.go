// Command worker-demo is a small worker that counts visits in a Durable
// Object, records them in KV from a queue consumer and prunes old entries
// on a cron trigger.
//
//	worker-demo serve -c worker.yaml
//	worker-demo trigger fetch http://localhost/hello
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	worker "github.com/cryguy/worker/v3"
)

type visit struct {
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

func fetch(ctx context.Context, req *worker.WorkerRequest, env *worker.Env, ec worker.ExecutionContext) (*worker.WorkerResponse, error) {
	console := worker.Logger(ctx)
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(u.Path, "/static/") {
		return env.Assets.Fetch(ctx, req)
	}

	counters, ok := env.DurableObjects["COUNTER"]
	if !ok {
		return worker.NewResponse(500, "COUNTER binding missing"), nil
	}
	stub := counters.Get(counters.IDFromName(u.Path))
	resp, err := stub.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	if q, ok := env.Queues["VISITS"]; ok {
		v := visit{Path: u.Path, At: time.Now().UTC()}
		ec.WaitUntil(func(ctx context.Context) error {
			return q.Send(ctx, v, worker.QueueSendOptions{})
		})
	}
	console.Log("visit", u.Path, "count", string(resp.Body))
	return resp, nil
}

type counter struct {
	state worker.DurableObjectState
}

func (c *counter) Fetch(ctx context.Context, req *worker.WorkerRequest) (*worker.WorkerResponse, error) {
	var n int
	raw, ok, err := c.state.Storage().Get(ctx, "count")
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
	}
	n++
	if err := c.state.Storage().Put(ctx, "count", n); err != nil {
		return nil, err
	}
	return worker.NewResponse(200, fmt.Sprint(n)), nil
}

func consumeVisits(ctx context.Context, batch *worker.MessageBatch[visit], env *worker.Env, _ worker.ExecutionContext) error {
	kv, ok := env.KV["VISITS_KV"]
	if !ok {
		return fmt.Errorf("VISITS_KV binding missing")
	}
	for _, m := range batch.Messages {
		key := fmt.Sprintf("visit:%s:%s", m.Body.At.Format(time.RFC3339Nano), m.ID)
		if err := kv.Put(ctx, key, m.Body.Path, worker.KVPutOptions{ExpirationTTL: 7 * 24 * 3600}); err != nil {
			m.Retry(worker.RetryOptions{DelaySeconds: 10})
			continue
		}
		m.Ack()
	}
	return nil
}

func scheduled(ctx context.Context, event *worker.ScheduledEvent, env *worker.Env, _ worker.ExecutionContext) error {
	kv, ok := env.KV["VISITS_KV"]
	if !ok {
		event.NoRetry()
		return fmt.Errorf("VISITS_KV binding missing")
	}
	list, err := kv.List(ctx, worker.KVListOptions{Prefix: "visit:"})
	if err != nil {
		return err
	}
	worker.Logger(ctx).Info("cron", event.Cron, "sees", len(list.Keys), "recent visits")
	return nil
}

func main() {
	cmd := worker.NewCommand(worker.Handlers{
		Fetch:     fetch,
		Scheduled: scheduled,
		Queue:     worker.NewQueueConsumer(consumeVisits),
		DurableObjects: map[string]worker.DurableObjectFactory{
			"Counter": func(state worker.DurableObjectState, _ *worker.Env) worker.DurableObjectHandler {
				return &counter{state: state}
			},
		},
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
