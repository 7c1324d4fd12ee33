package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	upstreamTimeout     = 15 * time.Second
	upstreamHealthPath  = "/healthz"
	maxUpstreamBodySize = 4 << 20
)

// UpstreamHandler forwards requests to a backend service over HTTP. It is
// the production Handler implementation for the gateway: one instance per
// registered version, each pointed at its own backend.
type UpstreamHandler struct {
	base   *url.URL
	client *http.Client
}

// UpstreamOption configures an UpstreamHandler.
type UpstreamOption func(*UpstreamHandler)

// WithUpstreamClient overrides the HTTP client, for tests.
func WithUpstreamClient(client *http.Client) UpstreamOption {
	return func(u *UpstreamHandler) { u.client = client }
}

// NewUpstreamHandler creates a forwarding handler for the given base URL.
func NewUpstreamHandler(baseURL string, opts ...UpstreamOption) (*UpstreamHandler, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q missing scheme or host", baseURL)
	}

	u := &UpstreamHandler{
		base:   base,
		client: &http.Client{Timeout: upstreamTimeout},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Handle forwards the request to the upstream and translates the reply.
func (u *UpstreamHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	target := *u.base
	target.Path = joinPath(u.base.Path, req.Path)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.User != nil {
		httpReq.Header.Set("x-flcm-user", req.User.ID)
	}

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Operation: "upstream request", Timeout: upstreamTimeout}
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxUpstreamBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Body:   decodeBody(httpResp.Header.Get("Content-Type"), raw),
	}, nil
}

// HealthCheck probes the upstream's health endpoint.
func (u *UpstreamHandler) HealthCheck(ctx context.Context) error {
	target := *u.base
	target.Path = joinPath(u.base.Path, upstreamHealthPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream health check returned status %d", resp.StatusCode)
	}
	return nil
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var body any
		if err := json.Unmarshal(raw, &body); err == nil {
			return body
		}
	}
	return string(raw)
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
