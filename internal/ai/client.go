// Package ai implements the AI binding as a client for a Workers AI
// compatible REST endpoint.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cryguy/worker/v3/internal/core"
)

// DefaultTimeout bounds one model run.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps the body read from the endpoint.
const maxResponseBytes = 16 << 20

// Client runs models by POSTing to {Endpoint}/run/{model}.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

var _ core.Ai = (*Client)(nil)

// Config configures a Client. HTTPClient defaults to a client with
// DefaultTimeout.
type Config struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("ai endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("parsing ai endpoint: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{endpoint: endpoint, token: strings.TrimSpace(cfg.Token), http: hc}, nil
}

// envelope is the response shape of the REST API.
type envelope struct {
	Result  json.RawMessage `json:"result"`
	Success *bool           `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Run sends input to model and returns the result payload. Responses without
// the success envelope are returned as-is.
func (c *Client) Run(ctx context.Context, model string, input any) (json.RawMessage, error) {
	model = strings.Trim(strings.TrimSpace(model), "/")
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	body, err := sonic.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding ai input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/run/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building ai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading ai response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: ai response exceeds %d bytes", core.ErrValueTooLarge, maxResponseBytes)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 4096 {
			msg = msg[:4096]
		}
		return nil, fmt.Errorf("ai request status %d: %s", res.StatusCode, msg)
	}

	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil || env.Success == nil {
		if !json.Valid(data) {
			return nil, fmt.Errorf("ai response is not JSON")
		}
		return json.RawMessage(data), nil
	}
	if !*env.Success {
		if len(env.Errors) > 0 {
			return nil, fmt.Errorf("ai model %s failed: %s (code %d)", model, env.Errors[0].Message, env.Errors[0].Code)
		}
		return nil, fmt.Errorf("ai model %s failed", model)
	}
	return env.Result, nil
}
