package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cryguy/worker/v3/internal/core"
)

// DefaultTimeout bounds a single remote round trip.
const DefaultTimeout = 30 * time.Second

// DefaultMaxResponseBytes caps the body read from a remote origin.
const DefaultMaxResponseBytes = 10 << 20

// forbiddenHeaders are controlled by the transport and never forwarded.
var forbiddenHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
}

// RemoteOptions configures a Remote fetcher.
type RemoteOptions struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	// BlockPrivate refuses connections to loopback, private and link-local
	// addresses, checked after DNS resolution.
	BlockPrivate bool
	Transport    http.RoundTripper
}

// Remote forwards requests to an HTTP origin. The request's path and query
// are kept; scheme and host come from the base URL.
type Remote struct {
	base     *url.URL
	client   *http.Client
	maxBytes int64
}

var _ core.Fetcher = (*Remote)(nil)

// NewRemote creates a fetcher for the origin at rawURL.
func NewRemote(rawURL string, opts RemoteOptions) (*Remote, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("service url %q must be http or https", rawURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("service url %q has no host", rawURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.BlockPrivate {
			t.DialContext = safeDialContext
		}
		transport = t
	}
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 20 {
				return fmt.Errorf("too many redirects")
			}
			if opts.BlockPrivate && isPrivateHostname(req.URL) {
				return fmt.Errorf("redirect to private IP address is not allowed")
			}
			return nil
		},
	}
	return &Remote{base: base, client: client, maxBytes: opts.MaxResponseBytes}, nil
}

// Target returns the URL req is sent to.
func (r *Remote) Target(req *core.WorkerRequest) (*url.URL, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request url: %w", err)
	}
	out := *r.base
	out.Path = strings.TrimSuffix(r.base.Path, "/") + u.Path
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	out.Fragment = ""
	return &out, nil
}

func (r *Remote) Fetch(ctx context.Context, req *core.WorkerRequest) (*core.WorkerResponse, error) {
	target, err := r.Target(req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", target.Redacted(), err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: response from %s exceeds %d bytes", core.ErrValueTooLarge, target.Redacted(), r.maxBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return &core.WorkerResponse{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}

func isPrivateHostname(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// safeDialContext resolves the host and dials the first public address, so
// a name that resolves to a private range is refused at connect time.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		}
	}
	return nil, fmt.Errorf("connections to private IP addresses are not allowed")
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"240.0.0.0/4",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
