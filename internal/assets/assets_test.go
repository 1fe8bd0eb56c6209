package assets

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/cryguy/worker/v3/internal/core"
)

var bigCSS = strings.Repeat("body { color: red; }\n", 100)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html":      {Data: []byte("<h1>home</h1>")},
		"about.html":      {Data: []byte("<h1>about</h1>")},
		"docs/index.html": {Data: []byte("<h1>docs</h1>")},
		"docs/404.html":   {Data: []byte("docs missing")},
		"404.html":        {Data: []byte("missing")},
		"style.css":       {Data: []byte(bigCSS)},
		"logo.png":        {Data: bytes.Repeat([]byte{0x89}, 4096)},
	}
}

func get(t *testing.T, s *Server, url string, headers map[string]string) *core.WorkerResponse {
	t.Helper()
	if headers == nil {
		headers = map[string]string{}
	}
	resp, err := s.Fetch(context.Background(), &core.WorkerRequest{Method: "GET", URL: url, Headers: headers})
	if err != nil {
		t.Fatalf("Fetch(%s): %v", url, err)
	}
	return resp
}

func TestServer_Resolve(t *testing.T) {
	s, err := New(testFS(), NotFoundNone)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		url    string
		status int
		body   string
	}{
		{"http://localhost/", 200, "<h1>home</h1>"},
		{"http://localhost/about", 200, "<h1>about</h1>"},
		{"http://localhost/about.html", 200, "<h1>about</h1>"},
		{"http://localhost/docs/", 200, "<h1>docs</h1>"},
		{"http://localhost/docs", 200, "<h1>docs</h1>"},
		{"http://localhost/../../etc/passwd", 404, "Not Found"},
		{"http://localhost/nope", 404, "Not Found"},
	}
	for _, tt := range tests {
		resp := get(t, s, tt.url, nil)
		if resp.StatusCode != tt.status || string(resp.Body) != tt.body {
			t.Errorf("%s = %d %q, want %d %q", tt.url, resp.StatusCode, resp.Body, tt.status, tt.body)
		}
	}
}

func TestServer_NotFoundHandling(t *testing.T) {
	page, _ := New(testFS(), NotFound404)
	resp := get(t, page, "http://localhost/docs/deep/missing", nil)
	if resp.StatusCode != 404 || string(resp.Body) != "docs missing" {
		t.Errorf("nested 404 = %d %q", resp.StatusCode, resp.Body)
	}
	resp = get(t, page, "http://localhost/other", nil)
	if resp.StatusCode != 404 || string(resp.Body) != "missing" {
		t.Errorf("root 404 = %d %q", resp.StatusCode, resp.Body)
	}

	spa, _ := New(testFS(), NotFoundSPA)
	resp = get(t, spa, "http://localhost/app/route/42", nil)
	if resp.StatusCode != 200 || string(resp.Body) != "<h1>home</h1>" {
		t.Errorf("spa fallback = %d %q", resp.StatusCode, resp.Body)
	}

	if _, err := New(testFS(), "bogus"); err == nil {
		t.Error("unknown not-found mode accepted")
	}
}

func TestServer_ETag(t *testing.T) {
	s, _ := New(testFS(), "")
	first := get(t, s, "http://localhost/about", nil)
	etag := first.Headers["etag"]
	if etag == "" {
		t.Fatal("no etag header")
	}
	second := get(t, s, "http://localhost/about", map[string]string{"if-none-match": etag})
	if second.StatusCode != 304 || len(second.Body) != 0 {
		t.Errorf("conditional GET = %d, %d bytes", second.StatusCode, len(second.Body))
	}
	stale := get(t, s, "http://localhost/about", map[string]string{"if-none-match": `"other"`})
	if stale.StatusCode != 200 {
		t.Errorf("stale etag = %d, want 200", stale.StatusCode)
	}
}

func TestServer_Compression(t *testing.T) {
	s, _ := New(testFS(), "")

	br := get(t, s, "http://localhost/style.css", map[string]string{"accept-encoding": "gzip, br"})
	if br.Headers["content-encoding"] != "br" {
		t.Fatalf("content-encoding = %q, want br", br.Headers["content-encoding"])
	}
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(br.Body)))
	if err != nil || string(plain) != bigCSS {
		t.Errorf("brotli body did not round-trip: %v", err)
	}

	gz := get(t, s, "http://localhost/style.css", map[string]string{"accept-encoding": "gzip, br;q=0"})
	if gz.Headers["content-encoding"] != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", gz.Headers["content-encoding"])
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz.Body))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, _ = io.ReadAll(zr)
	if string(plain) != bigCSS {
		t.Error("gzip body did not round-trip")
	}

	png := get(t, s, "http://localhost/logo.png", map[string]string{"accept-encoding": "br"})
	if png.Headers["content-encoding"] != "" {
		t.Error("images should not be compressed")
	}
	small := get(t, s, "http://localhost/about", map[string]string{"accept-encoding": "br"})
	if small.Headers["content-encoding"] != "" {
		t.Error("small bodies should not be compressed")
	}
}

func TestServer_Methods(t *testing.T) {
	s, _ := New(testFS(), "")
	ctx := context.Background()
	resp, err := s.Fetch(ctx, &core.WorkerRequest{Method: "POST", URL: "http://localhost/"})
	if err != nil || resp.StatusCode != 405 {
		t.Errorf("POST = %v, %v; want 405", resp, err)
	}
	head, err := s.Fetch(ctx, &core.WorkerRequest{Method: "HEAD", URL: "http://localhost/"})
	if err != nil || head.StatusCode != 200 || len(head.Body) != 0 || head.Headers["content-length"] != "13" {
		t.Errorf("HEAD = %+v, %v", head, err)
	}
}

func TestNewDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("ok"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewDir(dir, "")
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if resp := get(t, s, "http://localhost/", nil); string(resp.Body) != "ok" {
		t.Errorf("body = %q", resp.Body)
	}
	if _, err := NewDir(filepath.Join(dir, "missing"), ""); err == nil {
		t.Error("missing directory accepted")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.json": "application/json",
		"a":      "application/octet-stream",
		"a.zzz":  "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
