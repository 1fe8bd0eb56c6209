// Package assets serves a directory of static files as the ASSETS binding.
package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/cryguy/worker/v3/internal/core"
)

// Not-found handling modes.
const (
	NotFoundNone = "none"
	NotFound404  = "404-page"
	NotFoundSPA  = "single-page-application"
)

// minCompressSize is the smallest body worth compressing.
const minCompressSize = 1024

// Server is a core.Fetcher backed by a file system.
type Server struct {
	fsys     fs.FS
	notFound string

	mu    sync.RWMutex
	cache map[string][]byte // "<etag>|<encoding>" -> compressed body
}

var _ core.Fetcher = (*Server)(nil)

// New returns a server for fsys. notFound selects what happens when no file
// matches the request path.
func New(fsys fs.FS, notFound string) (*Server, error) {
	switch notFound {
	case "", NotFoundNone, NotFound404, NotFoundSPA:
	default:
		return nil, fmt.Errorf("unknown not_found_handling %q", notFound)
	}
	return &Server{fsys: fsys, notFound: notFound, cache: make(map[string][]byte)}, nil
}

// NewDir serves the directory dir.
func NewDir(dir, notFound string) (*Server, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMissingAssets, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", core.ErrMissingAssets, dir)
	}
	return New(os.DirFS(dir), notFound)
}

// ContentType guesses the MIME type from the file extension.
func ContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return "application/octet-stream"
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func (s *Server) Fetch(_ context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
		resp := core.NewResponse(http.StatusMethodNotAllowed, "Method Not Allowed")
		resp.Headers["allow"] = "GET, HEAD"
		return resp, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return core.NewResponse(http.StatusBadRequest, "Bad Request"), nil
	}

	name, data, err := s.resolve(u.Path)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if data == nil {
		name, data, status, err = s.fallback(u.Path)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return core.NewResponse(http.StatusNotFound, "Not Found"), nil
		}
	}

	sum := sha256.Sum256(data)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	headers := map[string]string{
		"content-type": ContentType(name),
		"etag":         etag,
		"vary":         "Accept-Encoding",
	}
	if status == http.StatusOK && matchesETag(req.Header("If-None-Match"), etag) {
		return &core.WorkerResponse{StatusCode: http.StatusNotModified, Headers: headers}, nil
	}

	body := data
	if enc := negotiate(req.Header("Accept-Encoding")); enc != "" && compressible(headers["content-type"]) && len(data) >= minCompressSize {
		compressed, err := s.compressed(etag, enc, data)
		if err != nil {
			return nil, err
		}
		body = compressed
		headers["content-encoding"] = enc
	}
	if req.Method == http.MethodHead {
		headers["content-length"] = fmt.Sprint(len(body))
		body = nil
	}
	return &core.WorkerResponse{StatusCode: status, Headers: headers, Body: body}, nil
}

// resolve maps a URL path to a file. It returns nil data when nothing
// matches.
func (s *Server) resolve(urlPath string) (string, []byte, error) {
	clean := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	var candidates []string
	switch {
	case clean == "":
		candidates = []string{"index.html"}
	case strings.HasSuffix(urlPath, "/"):
		candidates = []string{clean + "/index.html"}
	default:
		candidates = []string{clean, clean + ".html", clean + "/index.html"}
	}
	for _, c := range candidates {
		data, err := s.read(c)
		if err != nil {
			return "", nil, err
		}
		if data != nil {
			return c, data, nil
		}
	}
	return "", nil, nil
}

func (s *Server) fallback(urlPath string) (string, []byte, int, error) {
	switch s.notFound {
	case NotFoundSPA:
		data, err := s.read("index.html")
		return "index.html", data, http.StatusOK, err
	case NotFound404:
		// Nearest 404.html walking up from the requested directory.
		dir := path.Dir(strings.TrimPrefix(path.Clean("/"+urlPath), "/"))
		for {
			name := path.Join(dir, "404.html")
			data, err := s.read(name)
			if err != nil || data != nil {
				return name, data, http.StatusNotFound, err
			}
			if dir == "." || dir == "/" {
				return "", nil, 0, nil
			}
			dir = path.Dir(dir)
		}
	}
	return "", nil, 0, nil
}

func (s *Server) read(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, nil
	}
	info, err := fs.Stat(s.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	if info.IsDir() {
		return nil, nil
	}
	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	return data, nil
}

func (s *Server) compressed(etag, enc string, data []byte) ([]byte, error) {
	key := etag + "|" + enc
	s.mu.RLock()
	out, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return out, nil
	}

	var buf bytes.Buffer
	var err error
	switch enc {
	case "br":
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err = w.Write(data); err == nil {
			err = w.Close()
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err = w.Write(data); err == nil {
			err = w.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("assets: compressing %s: %w", enc, err)
	}
	out = buf.Bytes()
	s.mu.Lock()
	s.cache[key] = out
	s.mu.Unlock()
	return out, nil
}

// negotiate picks br over gzip when the client accepts either.
func negotiate(acceptEncoding string) string {
	var br, gz bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	}
	return ""
}

func compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasSuffix(ct, "+xml"), strings.HasSuffix(ct, "+json"):
		return true
	}
	switch ct {
	case "application/json", "application/javascript", "text/javascript",
		"application/xml", "image/svg+xml", "application/wasm":
		return true
	}
	return false
}

func matchesETag(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		c := strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if c == "*" || c == etag {
			return true
		}
	}
	return false
}
