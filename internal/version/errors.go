package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrHandlersNotRegistered indicates Route was called before both version
// handlers were registered. It is funneled through the error handler like
// every other failure.
var ErrHandlersNotRegistered = errors.New("version handlers not registered")

// VersionError is thrown deliberately by handlers and validators. It carries
// the HTTP-like status to surface and, optionally, the version that failed.
type VersionError struct {
	StatusCode int
	Version    Version
	Message    string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("version error (%d): %s", e.StatusCode, e.Message)
}

// ValidationError marks a malformed request. Mapped to status 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// TimeoutError marks an upstream timeout. Mapped to status 504.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Timeout, e.Operation)
}

// errorHandler converts any routing failure into a structured Response. It
// never re-throws: this is the single funnel guaranteeing the router's
// never-throw contract.
type errorHandler struct {
	environment string
	fallback    Version
	log         *slog.Logger
	now         func() time.Time
}

type errorBody struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *errorHandler) handle(err error) *Response {
	status := http.StatusInternalServerError
	responseVersion := h.fallback
	message := "internal error"

	var versionErr *VersionError
	var validationErr *ValidationError
	var timeoutErr *TimeoutError

	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		message = validationErr.Error()
	case errors.As(err, &versionErr):
		status = versionErr.StatusCode
		if status == 0 {
			status = http.StatusNotFound
		}
		if versionErr.Version != "" {
			responseVersion = versionErr.Version
		}
		message = versionErr.Message
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "request timed out"
	case errors.Is(err, ErrHandlersNotRegistered):
		message = "service misconfigured"
	}

	h.log.Error("routing failed", "status", status, "error", err)

	// Original error text is only exposed outside production.
	if status == http.StatusInternalServerError && h.environment != "production" {
		message = err.Error()
	}

	return &Response{
		Status:  status,
		Body:    errorBody{Error: message, Timestamp: h.now()},
		Version: responseVersion,
	}
}
