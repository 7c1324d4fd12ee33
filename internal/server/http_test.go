package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipgate/flipgate/internal/breaker"
	"github.com/flipgate/flipgate/internal/cohort"
	"github.com/flipgate/flipgate/internal/core"
	"github.com/flipgate/flipgate/internal/flags"
	"github.com/flipgate/flipgate/internal/version"
)

// stubGateway returns canned routing and health responses.
type stubGateway struct {
	lastReq *version.Request
	resp    *version.Response
	health  version.HealthStatus
}

func (g *stubGateway) Route(_ context.Context, req *version.Request) *version.Response {
	g.lastReq = req
	if g.resp != nil {
		return g.resp
	}
	return &version.Response{Status: http.StatusOK, Version: version.V1}
}

func (g *stubGateway) HealthCheck(context.Context) version.HealthStatus {
	return g.health
}

func newTestHandler(t *testing.T, opts ...HTTPOption) (http.Handler, *flags.Manager, *cohort.Manager) {
	t.Helper()
	cohorts := cohort.New()
	manager := flags.New(cohorts, breaker.New())
	return NewHTTPHandler(manager, cohorts, opts...), manager, cohorts
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEvaluateSingle(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	manager.Register(core.Flag{Name: "dark_mode", Default: true})

	rec := doJSON(t, handler, http.MethodPost, "/v1/evaluate", map[string]any{
		"flag":    "dark_mode",
		"context": map[string]any{"user_id": "user-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeInto[evaluateJSONResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Enabled)
	assert.Equal(t, "dark_mode", resp.Results[0].FlagName)
	assert.Equal(t, "user-1", resp.Results[0].UserID)
}

func TestEvaluateBatch(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	manager.Register(core.Flag{Name: "a", Default: true})
	manager.Register(core.Flag{Name: "b"})

	rec := doJSON(t, handler, http.MethodPost, "/v1/evaluate", map[string]any{
		"requests": []map[string]any{
			{"flag": "a", "context": map[string]any{"user_id": "u"}},
			{"flag": "b", "context": map[string]any{"user_id": "u"}},
			{"flag": "missing", "context": map[string]any{"user_id": "u"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeInto[evaluateJSONResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Enabled)
	assert.False(t, resp.Results[1].Enabled)
	assert.Equal(t, "Flag not found", resp.Results[2].Reason)
}

func TestEvaluateValidation(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	manager.Register(core.Flag{Name: "a"})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty body", map[string]any{}},
		{"flag and requests are exclusive", map[string]any{
			"flag":     "a",
			"requests": []map[string]any{{"flag": "a"}},
		}},
		{"batch item missing flag", map[string]any{
			"requests": []map[string]any{{"flag": ""}},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/v1/evaluate", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestFlagLifecycle(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/flags", core.Flag{
		Name:    "checkout_v2",
		Default: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/flags/checkout_v2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	flag := decodeInto[core.Flag](t, rec)
	assert.True(t, flag.Default)

	rec = doJSON(t, handler, http.MethodGet, "/v1/flags", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeInto[[]core.Flag](t, rec)
	require.Len(t, listed, 1)

	enabled := false
	rec = doJSON(t, handler, http.MethodPut, "/v1/flags/checkout_v2", flags.Update{Default: &enabled})
	require.Equal(t, http.StatusOK, rec.Code)
	flag = decodeInto[core.Flag](t, rec)
	assert.False(t, flag.Default)

	rec = doJSON(t, handler, http.MethodPost, "/v1/flags/checkout_v2/rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	flag = decodeInto[core.Flag](t, rec)
	require.NotNil(t, flag.Rollout)
	require.NotNil(t, flag.Rollout.Percentage)
	assert.Equal(t, 0, *flag.Rollout.Percentage)
}

func TestFlagEndpointsRejectInvalid(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	manager.Register(core.Flag{Name: "known"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"register without name", http.MethodPost, "/v1/flags", core.Flag{}, http.StatusBadRequest},
		{"get unknown", http.MethodGet, "/v1/flags/ghost", nil, http.StatusNotFound},
		{"update unknown", http.MethodPut, "/v1/flags/ghost", flags.Update{}, http.StatusNotFound},
		{"rollback unknown", http.MethodPost, "/v1/flags/ghost/rollback", nil, http.StatusNotFound},
		{"record error unknown", http.MethodPost, "/v1/flags/ghost/errors", nil, http.StatusNotFound},
		{"record success unknown", http.MethodPost, "/v1/flags/ghost/successes", nil, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/flags/known/errors", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = doJSON(t, handler, http.MethodPost, "/v1/flags/known/successes", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCohortLifecycle(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/cohorts", cohort.Definition{
		Name:        "pilot",
		Description: "pilot customers",
		Members:     []string{"user-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/cohorts/pilot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeInto[core.Cohort](t, rec)
	assert.Equal(t, "pilot customers", got.Description)

	rec = doJSON(t, handler, http.MethodPut, "/v1/cohorts/pilot", cohort.Definition{
		Description: "expanded pilot",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/cohorts/pilot/members/user-2", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/users/user-2/cohorts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	membership := decodeInto[map[string]any](t, rec)
	assert.Contains(t, membership["cohorts"], "pilot")

	rec = doJSON(t, handler, http.MethodDelete, "/v1/cohorts/pilot/members/user-2", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/v1/cohorts/pilot", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/cohorts/pilot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCohortEndpointsRejectUnknown(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"update unknown", http.MethodPut, "/v1/cohorts/ghost", cohort.Definition{}},
		{"delete unknown", http.MethodDelete, "/v1/cohorts/ghost", nil},
		{"add member to unknown", http.MethodPost, "/v1/cohorts/ghost/members/u1", nil},
		{"remove member from unknown", http.MethodDelete, "/v1/cohorts/ghost/members/u1", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestCohortExportImportRoundTrip(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/v1/cohorts", cohort.Definition{
		Name:    "pilot",
		Members: []string{"user-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/cohorts/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exported := rec.Body.Bytes()

	// Import into a fresh server.
	fresh, _, cohorts := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/cohorts/import", bytes.NewReader(exported))
	importRec := httptest.NewRecorder()
	fresh.ServeHTTP(importRec, req)
	require.Equal(t, http.StatusOK, importRec.Code)

	if _, ok := cohorts.Get("pilot"); !ok {
		t.Error("imported cohort missing")
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/cohorts/import", map[string]any{"cohorts": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeJSONBodyErrors(t *testing.T) {
	handler, _, _ := newTestHandler(t, WithMaxJSONBodyBytes(64))

	t.Run("unknown field", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/v1/flags", map[string]any{
			"name":     "x",
			"surprise": true,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("trailing garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(`{"name":"x"}{"name":"y"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := `{"name":"` + strings.Repeat("x", 256) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(big))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestGatewayEndpoint(t *testing.T) {
	gw := &stubGateway{resp: &version.Response{
		Status:  http.StatusOK,
		Body:    map[string]string{"routed": "yes"},
		Version: version.V2,
	}}
	handler, _, _ := newTestHandler(t, WithGateway(gw))

	req := httptest.NewRequest(http.MethodGet, "/gateway/mentor/session", nil)
	req.Header.Set("x-flcm-user", "user-1")
	req.Header.Set("x-flcm-preferred-version", "2.0")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2.0", rec.Header().Get(version.Header))

	require.NotNil(t, gw.lastReq)
	assert.Equal(t, "/mentor/session", gw.lastReq.Path)
	require.NotNil(t, gw.lastReq.User)
	assert.Equal(t, "user-1", gw.lastReq.User.ID)
	assert.Equal(t, version.V2, gw.lastReq.User.PreferredVersion)

	body := decodeInto[map[string]string](t, rec)
	assert.Equal(t, "yes", body["routed"])
}

func TestHealthz(t *testing.T) {
	t.Run("no gateway", func(t *testing.T) {
		handler, _, _ := newTestHandler(t)
		rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("degraded stays 200", func(t *testing.T) {
		gw := &stubGateway{health: version.HealthStatus{Overall: version.HealthDegraded}}
		handler, _, _ := newTestHandler(t, WithGateway(gw))
		rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		gw := &stubGateway{health: version.HealthStatus{Overall: version.HealthUnhealthy}}
		handler, _, _ := newTestHandler(t, WithGateway(gw))
		rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStreamDeliversEvents(t *testing.T) {
	handler, manager, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the subscription attach before mutating.
	time.Sleep(50 * time.Millisecond)
	manager.Register(core.Flag{Name: "streamed"})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	assert.Equal(t, "event: updated", eventLine)

	var event flags.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &event))
	assert.Equal(t, "streamed", event.Flag)
}
