package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/cryguy/worker/v3/internal/core"
)

func consoleCtx() (context.Context, *core.RequestState) {
	rs := core.NewRequestState(testEnv())
	return core.WithRequestState(context.Background(), rs), rs
}

func TestConsole_Levels(t *testing.T) {
	ctx, rs := consoleCtx()
	c := Logger(ctx)
	c.Log("a", 1)
	c.Info("b")
	c.Warn("c", true)
	c.Error("d")
	c.Debug("e", 2.5)
	c.Logf("info", "n=%d", 3)

	want := []LogEntry{
		{Level: "log", Message: "a 1"},
		{Level: "info", Message: "b"},
		{Level: "warn", Message: "c true"},
		{Level: "error", Message: "d"},
		{Level: "debug", Message: "e 2.5"},
		{Level: "info", Message: "n=3"},
	}
	logs := rs.Logs()
	if len(logs) != len(want) {
		t.Fatalf("logs = %d, want %d", len(logs), len(want))
	}
	for i, w := range want {
		if logs[i].Level != w.Level || logs[i].Message != w.Message {
			t.Errorf("logs[%d] = %s %q, want %s %q", i, logs[i].Level, logs[i].Message, w.Level, w.Message)
		}
		if logs[i].Time.IsZero() {
			t.Errorf("logs[%d] has no time", i)
		}
	}
}

func TestConsole_TimeAndCount(t *testing.T) {
	ctx, rs := consoleCtx()
	c := Logger(ctx)
	c.Time("load")
	c.TimeEnd("load")
	c.TimeEnd("missing")
	c.Count("")
	c.Count("")
	c.Count("x")

	logs := rs.Logs()
	if len(logs) != 5 {
		t.Fatalf("logs = %d, want 5", len(logs))
	}
	if !strings.HasPrefix(logs[0].Message, "load: ") || !strings.HasSuffix(logs[0].Message, "ms") {
		t.Errorf("timer log = %q", logs[0].Message)
	}
	if logs[1].Level != "warn" || !strings.Contains(logs[1].Message, `"missing"`) {
		t.Errorf("missing timer log = %s %q", logs[1].Level, logs[1].Message)
	}
	for i, want := range []string{"default: 1", "default: 2", "x: 1"} {
		if got := logs[i+2].Message; got != want {
			t.Errorf("count log %d = %q, want %q", i, got, want)
		}
	}
}

func TestConsole_AssertAndTable(t *testing.T) {
	ctx, rs := consoleCtx()
	c := Logger(ctx)
	c.Assert(true, "never")
	c.Assert(false)
	c.Assert(false, "x is", 3)
	c.Table(map[string]int{"a": 1})

	logs := rs.Logs()
	if len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}
	if logs[0].Message != "Assertion failed" || logs[0].Level != "error" {
		t.Errorf("logs[0] = %+v", logs[0])
	}
	if logs[1].Message != "Assertion failed: x is 3" {
		t.Errorf("logs[1] = %q", logs[1].Message)
	}
	if logs[2].Message != "{\n  \"a\": 1\n}" {
		t.Errorf("table = %q", logs[2].Message)
	}
}

func TestConsole_StateSharedAcrossLoggers(t *testing.T) {
	ctx, rs := consoleCtx()
	Logger(ctx).Count("x")
	Logger(ctx).Count("x")
	Logger(ctx).Time("load")
	Logger(ctx).TimeEnd("load")

	logs := rs.Logs()
	if len(logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(logs))
	}
	if got := logs[1].Message; got != "x: 2" {
		t.Errorf("second count = %q, want %q", got, "x: 2")
	}
	if logs[2].Level != "log" || !strings.HasPrefix(logs[2].Message, "load: ") {
		t.Errorf("timer log = %s %q", logs[2].Level, logs[2].Message)
	}

	// Another invocation starts from zero.
	other, ors := consoleCtx()
	Logger(other).Count("x")
	if got := ors.Logs()[0].Message; got != "x: 1" {
		t.Errorf("new invocation count = %q, want %q", got, "x: 1")
	}
}

func TestConsole_OutsideInvocationIsSilent(t *testing.T) {
	c := Logger(context.Background())
	c.Log("dropped")
	c.Count("n")
}
