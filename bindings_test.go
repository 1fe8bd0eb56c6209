package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewServiceBinding_HostToHost(t *testing.T) {
	targetEnv := testEnv()
	targetEnv.Vars = map[string]string{"ROLE": "billing"}
	target, err := NewHost(HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			role, _ := env.Var("ROLE")
			if _, ok := env.Var("TOKEN"); ok {
				return NewResponse(500, "caller secret leaked"), nil
			}
			return NewResponse(200, role+" "+req.URL), nil
		},
	}, targetEnv)
	if err != nil {
		t.Fatalf("NewHost(target): %v", err)
	}
	t.Cleanup(func() { _ = target.Shutdown(context.Background()) })

	callerEnv := testEnv()
	callerEnv.Secrets = map[string]string{"TOKEN": "caller-only"}
	callerEnv.Services = map[string]Fetcher{"BILLING": NewServiceBinding(target)}
	caller, err := NewHost(HostConfig{}, Handlers{
		Fetch: func(ctx context.Context, req *WorkerRequest, env *Env, ec ExecutionContext) (*WorkerResponse, error) {
			svc, ok := env.Service("BILLING")
			if !ok {
				return NewResponse(500, "no binding"), nil
			}
			return svc.Fetch(ctx, getReq("http://billing/invoices"))
		},
	}, callerEnv)
	if err != nil {
		t.Fatalf("NewHost(caller): %v", err)
	}
	t.Cleanup(func() { _ = caller.Shutdown(context.Background()) })

	r := caller.Execute(context.Background(), getReq("http://caller/"))
	if r.Error != nil {
		t.Fatalf("Execute: %v", r.Error)
	}
	if r.Response.StatusCode != 200 {
		t.Fatalf("status = %d, body %q", r.Response.StatusCode, r.Response.Body)
	}
	if got, want := string(r.Response.Body), "billing http://billing/invoices"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestOpenEnv_ServiceBlockPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := HostConfig{
		Assets: AssetsConfig{Directory: t.TempDir()},
		Services: []ServiceConfig{
			{Binding: "OPEN", URL: srv.URL},
			{Binding: "LOCKED", URL: srv.URL, BlockPrivate: true},
		},
	}
	env, res, err := OpenEnv(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	defer func() { _ = res.Close() }()

	open, _ := env.Service("OPEN")
	resp, err := open.Fetch(context.Background(), getReq("http://svc/"))
	if err != nil {
		t.Fatalf("OPEN fetch: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("OPEN body = %q, want ok", resp.Body)
	}

	locked, _ := env.Service("LOCKED")
	if _, err := locked.Fetch(context.Background(), getReq("http://svc/")); err == nil {
		t.Error("LOCKED fetch to a loopback origin should fail")
	}
}
