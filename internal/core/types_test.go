package core

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/coder/websocket"
)

func TestWorkerRequest_Header(t *testing.T) {
	r := &WorkerRequest{Headers: map[string]string{"content-type": "text/plain", "X-Odd": "1"}}
	if got := r.Header("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := r.Header("x-odd"); got != "1" {
		t.Errorf("x-odd = %q", got)
	}
	if got := r.Header("missing"); got != "" {
		t.Errorf("missing = %q", got)
	}
	var nilReq *WorkerRequest
	if got := nilReq.Header("a"); got != "" {
		t.Errorf("nil request header = %q", got)
	}
}

func TestWorkerRequest_Clone(t *testing.T) {
	r := &WorkerRequest{Method: "POST", URL: "http://x/", Headers: map[string]string{"a": "1"}, Body: []byte("body")}
	c := r.Clone()
	c.Headers["a"] = "2"
	c.Body[0] = 'B'
	if r.Headers["a"] != "1" || string(r.Body) != "body" {
		t.Errorf("clone shares state with original: %+v", r)
	}
	if (*WorkerRequest)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestWorkerRequest_IsWebSocketUpgrade(t *testing.T) {
	up := &WorkerRequest{Headers: map[string]string{"upgrade": "WebSocket"}}
	if !up.IsWebSocketUpgrade() {
		t.Error("upgrade header should be detected case-insensitively")
	}
	if (&WorkerRequest{}).IsWebSocketUpgrade() {
		t.Error("plain request reported as upgrade")
	}
}

type nopBridger struct{}

func (nopBridger) Bridge(context.Context, *websocket.Conn) {}

func TestWorkerResponse_HasWebSocket(t *testing.T) {
	tests := []struct {
		resp *WorkerResponse
		want bool
	}{
		{nil, false},
		{&WorkerResponse{StatusCode: 101}, false},
		{&WorkerResponse{StatusCode: 200, WebSocket: nopBridger{}}, false},
		{&WorkerResponse{StatusCode: 101, WebSocket: nopBridger{}}, true},
	}
	for i, tt := range tests {
		if got := tt.resp.HasWebSocket(); got != tt.want {
			t.Errorf("case %d: HasWebSocket = %v, want %v", i, got, tt.want)
		}
	}
}

func TestResponseHelpers(t *testing.T) {
	r := NewResponse(404, "nope")
	if r.StatusCode != 404 || string(r.Body) != "nope" || !strings.HasPrefix(r.Headers["content-type"], "text/plain") {
		t.Errorf("NewResponse = %+v", r)
	}
	j, err := JSONResponse(200, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("JSONResponse: %v", err)
	}
	var body map[string]int
	if err := json.Unmarshal(j.Body, &body); err != nil || body["n"] != 1 {
		t.Errorf("JSON body = %s", j.Body)
	}
	if j.Headers["content-type"] != "application/json" {
		t.Errorf("content-type = %q", j.Headers["content-type"])
	}
	if _, err := JSONResponse(200, make(chan int)); err == nil {
		t.Error("unencodable value should fail")
	}
}

func TestWebSocketMessage(t *testing.T) {
	if m := TextMessage("hi"); m.IsBinary() || m.Text() != "hi" {
		t.Errorf("TextMessage = %+v", m)
	}
	if m := BinaryMessage([]byte{1, 2}); !m.IsBinary() || len(m.Data) != 2 {
		t.Errorf("BinaryMessage = %+v", m)
	}
}

func TestRequestState_Logs(t *testing.T) {
	rs := NewRequestState(nil)
	ctx := WithRequestState(context.Background(), rs)
	if GetRequestState(ctx) != rs {
		t.Fatal("state not found in context")
	}
	Logf(ctx, "info", "n=%d", 1)
	rs.AddLog("log", strings.Repeat("x", MaxLogMessageSize+10))
	for i := 0; i < MaxLogEntries; i++ {
		rs.AddLog("debug", "fill")
	}
	logs := rs.Logs()
	if len(logs) != MaxLogEntries {
		t.Errorf("logs = %d, want %d", len(logs), MaxLogEntries)
	}
	if logs[0].Message != "n=1" {
		t.Errorf("logs[0] = %q", logs[0].Message)
	}
	if !strings.HasSuffix(logs[1].Message, "...(truncated)") {
		t.Error("long message should be truncated")
	}

	Logf(context.Background(), "info", "dropped")
	if NewRequestState(nil).ID == rs.ID {
		t.Error("request IDs should be unique")
	}
}

func TestRequestState_TruncatesOnRuneBoundary(t *testing.T) {
	rs := NewRequestState(nil)
	// "é" is two bytes, so the limit falls inside a rune.
	rs.AddLog("log", "a"+strings.Repeat("é", MaxLogMessageSize))
	msg := rs.Logs()[0].Message
	if !utf8.ValidString(msg) {
		t.Errorf("truncated message is not valid UTF-8: %q", msg[len(msg)-20:])
	}
	body := strings.TrimSuffix(msg, "...(truncated)")
	if len(body) != MaxLogMessageSize-1 {
		t.Errorf("kept %d bytes, want %d", len(body), MaxLogMessageSize-1)
	}
}

func TestRequestState_TimersAndCounters(t *testing.T) {
	rs := NewRequestState(nil)
	if got := rs.Count("a"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	if got := rs.Count("a"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	rs.StartTimer("t")
	if _, ok := rs.StopTimer("t"); !ok {
		t.Error("timer should exist")
	}
	if _, ok := rs.StopTimer("t"); ok {
		t.Error("timer should be removed")
	}

	var nilState *RequestState
	nilState.StartTimer("t")
	if got := nilState.Count("a"); got != 0 {
		t.Errorf("nil Count = %d, want 0", got)
	}
}
