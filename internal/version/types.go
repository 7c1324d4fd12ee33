// Package version routes requests between the two system generations: the
// 1.0 legacy handler and the 2.0 handler. A Detector picks the version in
// strict priority order, a middleware Pipeline wraps the version-specific
// handler, and the Router façade guarantees a structured response under all
// failure modes.
package version

import (
	"context"
	"strings"
	"time"
)

// Version identifies one of the two routable system generations.
type Version string

const (
	// V1 is the legacy system.
	V1 Version = "1.0"
	// V2 is the new system.
	V2 Version = "2.0"
)

// Header carries an explicit version override on requests and stamps routed
// requests with the detected version.
const Header = "x-flcm-version"

// ParseVersion returns the Version for s if it is exactly "1.0" or "2.0".
func ParseVersion(s string) (Version, bool) {
	switch Version(s) {
	case V1:
		return V1, true
	case V2:
		return V2, true
	default:
		return "", false
	}
}

// User identifies the requester and an optional preferred version.
type User struct {
	ID               string  `json:"id"`
	PreferredVersion Version `json:"preferred_version,omitempty"`
}

// Request is the transport-agnostic request shape consumed from the HTTP
// collaborator. Header keys are matched case-insensitively.
type Request struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	User    *User             `json:"user,omitempty"`
}

// Response is the structured routing outcome. Route always produces one,
// even for failures.
type Response struct {
	Status         int           `json:"status"`
	Body           any           `json:"body,omitempty"`
	Version        Version       `json:"version"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}

// Handler processes requests for one version. The two registered handlers
// are external collaborators; the router only routes.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// HandlerFunc adapts plain functions to Handler with an always-healthy check.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HealthCheck always reports healthy.
func (HandlerFunc) HealthCheck(context.Context) error { return nil }

// Config controls routing behaviour.
type Config struct {
	// DefaultVersion is returned when no higher-priority signal decides.
	DefaultVersion Version
	// UserOverridesEnabled honors Request.User.PreferredVersion.
	UserOverridesEnabled bool
	// Environment gates error detail exposure; "production" hides internal
	// messages in error responses.
	Environment string
}

// header looks up a request header case-insensitively.
func (r *Request) header(name string) string {
	if r.Headers == nil {
		return ""
	}
	if value, ok := r.Headers[name]; ok {
		return value
	}
	for key, value := range r.Headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

// setHeader writes a header, allocating the map if needed.
func (r *Request) setHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string, 1)
	}
	r.Headers[name] = value
}
