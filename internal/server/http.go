// Package server exposes the flipgate engine over HTTP: flag evaluation and
// administration, cohort management, an SSE change stream, the dual-version
// gateway, and health/metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flipgate/flipgate/internal/cohort"
	"github.com/flipgate/flipgate/internal/core"
	"github.com/flipgate/flipgate/internal/flags"
	"github.com/flipgate/flipgate/internal/metrics"
	"github.com/flipgate/flipgate/internal/version"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer holds the handler dependencies. Construct with NewHTTPHandler.
type HTTPServer struct {
	flags        FlagService
	cohorts      CohortDirectory
	gateway      Gateway
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithGateway installs the dual-version gateway under /gateway/ and wires
// /healthz to its health aggregation.
func WithGateway(gw Gateway) HTTPOption {
	return func(s *HTTPServer) { s.gateway = gw }
}

// WithMetrics attaches Prometheus instrumentation and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithMaxJSONBodyBytes caps request body sizes for JSON endpoints.
func WithMaxJSONBodyBytes(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

type evaluateJSONRequest struct {
	Flag     string                  `json:"flag,omitempty"`
	Context  core.EvaluationContext  `json:"context,omitempty"`
	Requests []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Flag    string                 `json:"flag"`
	Context core.EvaluationContext `json:"context"`
}

type evaluateJSONResponse struct {
	Results []core.EvaluationResult `json:"results"`
}

// NewHTTPHandler builds the full route table.
func NewHTTPHandler(flagSvc FlagService, cohorts CohortDirectory, opts ...HTTPOption) http.Handler {
	if flagSvc == nil {
		panic("flag service is nil")
	}
	if cohorts == nil {
		panic("cohort directory is nil")
	}

	server := &HTTPServer{
		flags:        flagSvc,
		cohorts:      cohorts,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("POST /v1/flags", server.handleRegisterFlag)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{name}", server.handleUpdateFlag)
	mux.HandleFunc("POST /v1/flags/{name}/rollback", server.handleRollbackFlag)
	mux.HandleFunc("POST /v1/flags/{name}/errors", server.handleRecordError)
	mux.HandleFunc("POST /v1/flags/{name}/successes", server.handleRecordSuccess)
	mux.HandleFunc("GET /v1/cohorts", server.handleListCohorts)
	mux.HandleFunc("POST /v1/cohorts", server.handleCreateCohort)
	mux.HandleFunc("GET /v1/cohorts/export", server.handleExportCohorts)
	mux.HandleFunc("POST /v1/cohorts/import", server.handleImportCohorts)
	mux.HandleFunc("GET /v1/cohorts/{name}", server.handleGetCohort)
	mux.HandleFunc("PUT /v1/cohorts/{name}", server.handleUpdateCohort)
	mux.HandleFunc("DELETE /v1/cohorts/{name}", server.handleDeleteCohort)
	mux.HandleFunc("POST /v1/cohorts/{name}/members/{userID}", server.handleAddMember)
	mux.HandleFunc("DELETE /v1/cohorts/{name}/members/{userID}", server.handleRemoveMember)
	mux.HandleFunc("GET /v1/users/{userID}/cohorts", server.handleUserCohorts)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}
	if server.gateway != nil {
		mux.HandleFunc("/gateway/", server.handleGateway)
	}

	return server.withMetrics(mux)
}

// withMetrics records request counts and latencies per route pattern.
func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := fmt.Sprintf("%d", recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flusher passthrough keeps SSE working behind the metrics wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var results []core.EvaluationResult
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Flag) != "":
		writeJSONError(w, http.StatusBadRequest, "use either flag or requests")
		return
	case len(request.Requests) > 0:
		results = make([]core.EvaluationResult, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Flag) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].flag is required", idx))
				return
			}
			results = append(results, s.flags.Evaluate(item.Flag, item.Context))
		}
	case strings.TrimSpace(request.Flag) != "":
		results = []core.EvaluationResult{s.flags.Evaluate(request.Flag, request.Context)}
	default:
		writeJSONError(w, http.StatusBadRequest, "flag or requests is required")
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.flags.ListFlags())
}

func (s *HTTPServer) handleRegisterFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	s.flags.Register(flag)
	created, _ := s.flags.GetFlag(flag.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	flag, ok := s.flags.GetFlag(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))

	var update flags.Update
	if err := s.decodeJSONBody(w, r, &update); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.flags.UpdateFlag(name, update)
	if err != nil {
		writeFlagError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleRollbackFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))

	flag, err := s.flags.Rollback(name)
	if err != nil {
		writeFlagError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleRecordError(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if _, ok := s.flags.GetFlag(name); !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}
	s.flags.RecordError(name)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleRecordSuccess(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if _, ok := s.flags.GetFlag(name); !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}
	s.flags.RecordSuccess(name)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleListCohorts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cohorts.List())
}

func (s *HTTPServer) handleCreateCohort(w http.ResponseWriter, r *http.Request) {
	var def cohort.Definition
	if err := s.decodeJSONBody(w, r, &def); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(def.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	created := s.cohorts.Create(def)
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetCohort(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	found, ok := s.cohorts.Get(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "cohort not found")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *HTTPServer) handleUpdateCohort(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))

	var def cohort.Definition
	if err := s.decodeJSONBody(w, r, &def); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if !s.cohorts.Update(name, def) {
		writeJSONError(w, http.StatusNotFound, "cohort not found")
		return
	}

	updated, _ := s.cohorts.Get(name)
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteCohort(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if !s.cohorts.Delete(name) {
		writeJSONError(w, http.StatusNotFound, "cohort not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user id is required")
		return
	}

	if !s.cohorts.AddUser(userID, name) {
		writeJSONError(w, http.StatusNotFound, "cohort not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	userID := strings.TrimSpace(r.PathValue("userID"))

	if !s.cohorts.RemoveUser(userID, name) {
		writeJSONError(w, http.StatusNotFound, "cohort or member not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUserCohorts(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	names := s.cohorts.UserCohorts(userID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "cohorts": names})
}

func (s *HTTPServer) handleExportCohorts(w http.ResponseWriter, _ *http.Request) {
	payload, err := s.cohorts.Export()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *HTTPServer) handleImportCohorts(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeJSONDecodeError(w, normalizeJSONDecodeError(err))
		return
	}

	imported, err := s.cohorts.Import(payload)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid import payload")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

// handleStream pushes flag mutation events as SSE until the client goes
// away.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.flags.Subscribe()
	defer cancel()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleGateway converts the raw HTTP request into a version request and
// routes it. The /gateway prefix is stripped so upstream paths line up.
func (s *HTTPServer) handleGateway(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/gateway")
	if path == "" {
		path = "/"
	}

	req := &version.Request{
		Path:    path,
		Method:  r.Method,
		Headers: make(map[string]string, len(r.Header)),
	}
	for name := range r.Header {
		req.Headers[name] = r.Header.Get(name)
	}
	if userID := r.Header.Get("x-flcm-user"); userID != "" {
		req.User = &version.User{
			ID:               userID,
			PreferredVersion: version.Version(r.Header.Get("x-flcm-preferred-version")),
		}
	}

	resp := s.gateway.Route(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(version.Header, string(resp.Version))
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp.Body)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	health := s.gateway.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Overall == version.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeFlagError(w http.ResponseWriter, err error) {
	if errors.Is(err, flags.ErrFlagNotFound) {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
