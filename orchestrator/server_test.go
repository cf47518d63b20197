package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielWarg/AliceV2-sub000/guardian"
	"github.com/DanielWarg/AliceV2-sub000/memoryapi"
	"github.com/DanielWarg/AliceV2-sub000/planner"
)

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPChatHeaders(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	rec := postJSON(t, h, "/chat", ChatRequest{SessionID: "s1", Message: "Hej"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
	assert.Equal(t, "micro", rec.Header().Get("X-Route"))
	assert.Equal(t, "greeting.hello", rec.Header().Get("X-Intent"))
	assert.Equal(t, "micro", rec.Header().Get("X-Route-Hint"))

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1", resp.V)
	assert.Equal(t, "s1", resp.SessionID)
	assert.NotEmpty(t, resp.Response)
}

func TestHTTPErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	rec := postJSON(t, h, "/chat", ChatRequest{SessionID: "s1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			TraceID string `json:"trace_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Error.Code)
	assert.Contains(t, body.Error.Message, "message")
}

func TestHTTPAdmissionDeniedRetryAfter(t *testing.T) {
	srv := oracleServer(t, "LOCKDOWN")
	f := newFixture(t, func(o *Options) {
		o.Guardian = guardian.New(guardian.Options{BaseURL: srv.URL})
	})
	h := f.orch.Handler()

	rec := postJSON(t, h, "/chat", ChatRequest{SessionID: "s1", Message: "hej"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHTTPIngestPreview(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	for _, path := range []string{"/ingest", "/run"} {
		rec := postJSON(t, h, path, ChatRequest{SessionID: "s1", Message: "boka ett möte imorgon"})
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp IngestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Accepted)
		assert.Equal(t, "planner-1", resp.Model)
		assert.Equal(t, 5, resp.Priority)
		assert.Equal(t, int64(1500), resp.EstimatedLatencyMS)
	}
	assert.Zero(t, f.planner.calls, "preview must not drive a model")
}

func TestHTTPToolsAvailability(t *testing.T) {
	srv := oracleServer(t, "DEGRADED")
	f := newFixture(t, func(o *Options) {
		o.Guardian = guardian.New(guardian.Options{BaseURL: srv.URL})
	})
	h := f.orch.Handler()

	rec := getPath(h, "/tools")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
		} `json:"tools"`
		OracleState string `json:"oracle_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DEGRADED", body.OracleState)
	available := map[string]bool{}
	for _, tool := range body.Tools {
		available[tool.Name] = tool.Available
	}
	assert.True(t, available["calendar.create_draft"], "draft tools stay available degraded")
	assert.False(t, available["weather.lookup"], "external tools go unavailable degraded")
}

func TestHTTPHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	rec := getPath(h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = getPath(h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	var ready map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, true, ready["ready"])
}

func TestHTTPMemoryPassThrough(t *testing.T) {
	memSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		w.Write([]byte(`{"results":[{"text":"kaffe utan socker"}]}`))
	}))
	t.Cleanup(memSrv.Close)

	f := newFixture(t, func(o *Options) {
		o.Memory = memoryapi.New(memoryapi.Options{BaseURL: memSrv.URL})
	})
	h := f.orch.Handler()

	rec := postJSON(t, h, "/api/memory/query", map[string]any{"query": "kaffe"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kaffe utan socker")
}

func TestHTTPMemoryNotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	rec := postJSON(t, h, "/api/memory/store", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPMonitoringEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	h := f.orch.Handler()

	// Generate some traffic so the counters are non-trivial.
	f.cache.Set(context.Background(), "greeting.hello", "Hej", `{"text":"Hej!"}`, "micro-1", planner.SchemaVersion, 0)
	postJSON(t, h, "/chat", ChatRequest{SessionID: "s1", Message: "Hej"})
	postJSON(t, h, "/chat", ChatRequest{SessionID: "s1", Message: "boka möte imorgon"})

	rec := getPath(h, "/api/monitoring/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = getPath(h, "/api/monitoring/cache")
	assert.Equal(t, http.StatusOK, rec.Code)
	var cacheStats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cacheStats))
	assert.Equal(t, float64(1), cacheStats["l1_hits"])

	rec = getPath(h, "/api/monitoring/routing")
	assert.Equal(t, http.StatusOK, rec.Code)
	var routing struct {
		Routes map[string]int64 `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routing))
	assert.Equal(t, int64(1), routing.Routes["cache"])
	assert.Equal(t, int64(1), routing.Routes["planner"])

	rec = getPath(h, "/api/monitoring/circuit-breakers")
	assert.Equal(t, http.StatusOK, rec.Code)
	var breakers struct {
		Breakers []struct {
			Name string `json:"name"`
		} `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &breakers))
	names := make([]string, 0, len(breakers.Breakers))
	for _, b := range breakers.Breakers {
		names = append(names, b.Name)
	}
	assert.Contains(t, names, "planner_service")

	rec = getPath(h, "/api/monitoring/performance")
	assert.Equal(t, http.StatusOK, rec.Code)
	var perf map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perf))
	assert.Equal(t, float64(2), perf["window_size"])
}
