package version

import (
	"context"
	"log/slog"
	"time"
)

// Next invokes the rest of the middleware chain and finally the
// version-appropriate handler.
type Next func(ctx context.Context) (*Response, error)

// Middleware wraps request processing. A middleware may short-circuit by
// returning a response without calling next.
type Middleware func(ctx context.Context, req *Request, next Next) (*Response, error)

// Pipeline composes middlewares around the final version-specific handler.
// Middlewares run in registration order on the way in and reverse order on
// the way out.
type Pipeline struct {
	detector    *Detector
	middlewares []Middleware
	now         func() time.Time
}

// NewPipeline creates an empty pipeline over the detector.
func NewPipeline(detector *Detector) *Pipeline {
	return &Pipeline{detector: detector, now: time.Now}
}

// Use appends a middleware to the chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// Process detects the request's version, tags the request with it, runs the
// middleware chain, and stamps the response with the version and elapsed
// processing time.
func (p *Pipeline) Process(ctx context.Context, req *Request, v1, v2 Handler) (*Response, error) {
	start := p.now()

	detected := p.detector.Detect(req)
	req.setHeader(Header, string(detected))

	terminal := Next(func(ctx context.Context) (*Response, error) {
		handler := v1
		if detected == V2 {
			handler = v2
		}
		return handler.Handle(ctx, req)
	})

	next := terminal
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw := p.middlewares[i]
		inner := next
		next = func(ctx context.Context) (*Response, error) {
			return mw(ctx, req, inner)
		}
	}

	resp, err := next(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &VersionError{StatusCode: 500, Version: detected, Message: "handler returned no response"}
	}

	resp.Version = detected
	resp.ProcessingTime = p.now().Sub(start)
	return resp, nil
}

// ValidationMiddleware rejects structurally invalid requests before they
// reach a handler.
func ValidationMiddleware() Middleware {
	return func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if req.Path == "" {
			return nil, &ValidationError{Field: "path", Message: "is required"}
		}
		if req.Method == "" {
			return nil, &ValidationError{Field: "method", Message: "is required"}
		}
		return next(ctx)
	}
}

// LoggingMiddleware logs each routed request with its outcome.
func LoggingMiddleware(log *slog.Logger) Middleware {
	return func(ctx context.Context, req *Request, next Next) (*Response, error) {
		resp, err := next(ctx)

		attrs := []any{
			"path", req.Path,
			"method", req.Method,
			"version", req.header(Header),
		}
		if err != nil {
			log.Warn("route failed", append(attrs, "error", err)...)
			return resp, err
		}

		status := 0
		if resp != nil {
			status = resp.Status
		}
		log.Debug("route completed", append(attrs, "status", status)...)
		return resp, nil
	}
}
