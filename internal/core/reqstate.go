package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// RequestState holds per-invocation mutable state. The host creates one
// for every handler call and stores it in the call's context.
type RequestState struct {
	ID  uint64
	Env *Env

	mu       sync.Mutex
	logs     []LogEntry
	timers   map[string]time.Time
	counters map[string]int
}

var requestCounter atomic.Uint64

type requestStateKey struct{}

// NewRequestState creates the state for a new invocation.
func NewRequestState(env *Env) *RequestState {
	return &RequestState{ID: requestCounter.Add(1), Env: env}
}

// WithRequestState returns a context carrying rs.
func WithRequestState(ctx context.Context, rs *RequestState) context.Context {
	return context.WithValue(ctx, requestStateKey{}, rs)
}

// GetRequestState returns the invocation state stored in ctx, or nil.
func GetRequestState(ctx context.Context) *RequestState {
	rs, _ := ctx.Value(requestStateKey{}).(*RequestState)
	return rs
}

// AddLog appends a log entry, dropping it once MaxLogEntries is reached.
func (rs *RequestState) AddLog(level, message string) {
	if rs == nil {
		return
	}
	if len(message) > MaxLogMessageSize {
		cut := MaxLogMessageSize
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut] + "...(truncated)"
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.logs) >= MaxLogEntries {
		return
	}
	rs.logs = append(rs.logs, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// Logs returns a copy of the captured entries.
func (rs *RequestState) Logs() []LogEntry {
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]LogEntry(nil), rs.logs...)
}

// StartTimer records the start time of label, replacing any earlier one.
func (rs *RequestState) StartTimer(label string) {
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.timers == nil {
		rs.timers = make(map[string]time.Time)
	}
	rs.timers[label] = time.Now()
}

// StopTimer removes label and returns its start time.
func (rs *RequestState) StopTimer(label string) (time.Time, bool) {
	if rs == nil {
		return time.Time{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	start, ok := rs.timers[label]
	delete(rs.timers, label)
	return start, ok
}

// Count increments the counter for label and returns its new value.
func (rs *RequestState) Count(label string) int {
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.counters == nil {
		rs.counters = make(map[string]int)
	}
	rs.counters[label]++
	return rs.counters[label]
}

// Logf records a formatted line on the invocation carried by ctx. It is a
// no-op outside a handler call.
func Logf(ctx context.Context, level, format string, args ...any) {
	GetRequestState(ctx).AddLog(level, fmt.Sprintf(format, args...))
}
