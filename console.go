package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cryguy/worker/v3/internal/core"
)

// Console writes to the log buffer of the invocation it was created for.
// Entries show up in WorkerResult.Logs. Timers and counters belong to the
// invocation, so every Console obtained for it shares them.
type Console struct {
	ctx context.Context
	rs  *core.RequestState
}

// Logger returns the console of the invocation carried by ctx. Outside a
// handler call the console discards everything.
func Logger(ctx context.Context) *Console {
	return &Console{ctx: ctx, rs: core.GetRequestState(ctx)}
}

func (c *Console) write(level string, args []any) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	c.rs.AddLog(level, strings.Join(parts, " "))
}

func (c *Console) Log(args ...any)   { c.write("log", args) }
func (c *Console) Info(args ...any)  { c.write("info", args) }
func (c *Console) Warn(args ...any)  { c.write("warn", args) }
func (c *Console) Error(args ...any) { c.write("error", args) }
func (c *Console) Debug(args ...any) { c.write("debug", args) }

// Logf writes a formatted line at level.
func (c *Console) Logf(level, format string, args ...any) {
	core.Logf(c.ctx, level, format, args...)
}

// Time starts a timer named label.
func (c *Console) Time(label string) {
	c.rs.StartTimer(labelOrDefault(label))
}

// TimeEnd logs the elapsed time of label and removes the timer.
func (c *Console) TimeEnd(label string) {
	l := labelOrDefault(label)
	start, ok := c.rs.StopTimer(l)
	if !ok {
		c.Warn(fmt.Sprintf("Timer %q does not exist", l))
		return
	}
	c.Log(fmt.Sprintf("%s: %.3fms", l, float64(time.Since(start).Microseconds())/1000))
}

// Count logs how many times Count was called with label.
func (c *Console) Count(label string) {
	l := labelOrDefault(label)
	c.Log(fmt.Sprintf("%s: %d", l, c.rs.Count(l)))
}

// Assert logs an error when cond is false.
func (c *Console) Assert(cond bool, args ...any) {
	if cond {
		return
	}
	if len(args) == 0 {
		c.Error("Assertion failed")
		return
	}
	c.Error(append([]any{"Assertion failed:"}, args...)...)
}

// Table logs v as indented JSON.
func (c *Console) Table(v any) {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		c.Error("console.table:", err)
		return
	}
	c.Log(string(data))
}

func labelOrDefault(label string) string {
	if label == "" {
		return "default"
	}
	return label
}
