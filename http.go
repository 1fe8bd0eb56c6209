package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// MaxRequestBodyBytes caps the body ServeHTTP reads from a client.
const MaxRequestBodyBytes = 100 << 20

// ServeHTTP runs the fetch handler for r. The response is written as soon
// as the handler returns; waitUntil tasks keep running afterwards and are
// awaited by Shutdown. Once Shutdown has begun it answers 503.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.admit() {
		http.Error(w, "worker host is shutting down", http.StatusServiceUnavailable)
		return
	}
	req, err := toWorkerRequest(r)
	if err != nil {
		h.inflight.Done()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	result, ec := h.execute(ctx, req)
	go func() {
		defer h.inflight.Done()
		h.drain(ec)
	}()

	h.logResult(req, result)
	for _, l := range result.Logs {
		h.logger.Debug("worker log", zap.String("level", l.Level), zap.String("message", l.Message))
	}

	if result.Error != nil {
		msg := "Internal Server Error"
		if h.env.Environment.IsDevelopment() {
			msg = result.Error.Error()
		}
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}

	resp := result.Response
	if resp.HasWebSocket() {
		if !req.IsWebSocketUpgrade() {
			http.Error(w, "websocket response to a non-upgrade request", http.StatusInternalServerError)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: h.env.Environment.IsDevelopment(),
		})
		if err != nil {
			h.logger.Warn("websocket accept failed", zap.String("url", req.URL), zap.Error(err))
			return
		}
		resp.WebSocket.Bridge(r.Context(), conn)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (h *Host) logResult(req *WorkerRequest, result *WorkerResult) {
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Duration("duration", result.Duration),
	}
	if result.Response != nil {
		fields = append(fields, zap.Int("status", result.Response.StatusCode))
	}
	if result.PassedThrough {
		fields = append(fields, zap.Bool("passed_through", true))
	}
	if result.Error != nil {
		h.logger.Error("fetch failed", append(fields, zap.Error(result.Error))...)
		return
	}
	h.logger.Info("fetch", fields...)
}

func toWorkerRequest(r *http.Request) (*WorkerRequest, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}

	headers := make(map[string]string, len(r.Header)+1)
	for k, vs := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	headers["host"] = host
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if _, ok := headers["cf-connecting-ip"]; !ok {
			headers["cf-connecting-ip"] = ip
		}
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxRequestBodyBytes))
		if err != nil {
			return nil, err
		}
	}
	return &WorkerRequest{
		Method:  r.Method,
		URL:     fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI()),
		Headers: headers,
		Body:    body,
	}, nil
}

// Handler returns h wrapped to accept cleartext HTTP/2 as well as HTTP/1.
func (h *Host) Handler() http.Handler {
	return h2c.NewHandler(h, &http2.Server{})
}

// ListenAndServe starts the host and serves on HostConfig.Listen until ctx
// is cancelled, then shuts down gracefully.
func (h *Host) ListenAndServe(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              h.cfg.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("listening", zap.String("addr", h.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.WaitUntilTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := h.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
