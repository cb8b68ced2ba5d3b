package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartlog/internal/autofix"
	"smartlog/internal/ingest"
	"smartlog/internal/model"
	"smartlog/internal/query"
)

const validSession = "sess_1773144000_0123456789abcdef0123456789abcdef"

type stubIngestor struct {
	last     ingest.Request
	response ingest.Response
	err      error
}

func (s *stubIngestor) Ingest(_ context.Context, req ingest.Request) (ingest.Response, error) {
	s.last = req
	return s.response, s.err
}

type stubQueries struct {
	last   query.Request
	result query.Result
	err    error
}

func (s *stubQueries) Analyze(_ context.Context, req query.Request) (query.Result, error) {
	s.last = req
	return s.result, s.err
}

type stubUsers struct {
	tokens map[string]int64
}

func (s stubUsers) ResolveUserIDByToken(_ context.Context, token string) (*int64, error) {
	if id, ok := s.tokens[token]; ok {
		return &id, nil
	}
	return nil, nil
}

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

type memoryAttempts struct {
	mu       sync.Mutex
	attempts []model.FixAttempt
}

func (m *memoryAttempts) CountFixAttempts(_ context.Context, issueType model.IssueType, actor model.Actor, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, attempt := range m.attempts {
		if attempt.Result.IssueType != issueType {
			continue
		}
		if actor.UserID != nil && attempt.Actor.UserID != nil && *actor.UserID == *attempt.Actor.UserID {
			count++
		}
	}
	return count, nil
}

func (m *memoryAttempts) RecordFixAttempt(_ context.Context, attempt model.FixAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *memoryAttempts) FixOutcomes(context.Context, model.IssueType, time.Time) (model.FixStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := model.FixStats{Total: len(m.attempts)}
	for _, attempt := range m.attempts {
		if attempt.Result.Success {
			stats.Succeeded++
		}
	}
	return stats, nil
}

type testServer struct {
	server   *httptest.Server
	ingestor *stubIngestor
	queries  *stubQueries
}

func newTestServer(t *testing.T, settings Settings) *testServer {
	t.Helper()
	ingestor := &stubIngestor{}
	queries := &stubQueries{}
	fixer := autofix.New(nil, &memoryAttempts{})
	handler := NewHandler(Dependencies{
		Ingestor: ingestor,
		Queries:  queries,
		Fixer:    fixer,
		Health:   stubHealth{},
		Users:    stubUsers{tokens: map[string]int64{"tok-7": 7}},
	}, settings)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return &testServer{server: server, ingestor: ingestor, queries: queries}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	if len(strings.TrimSpace(string(raw))) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp, payload
}

func TestLogEventSuccessSetsSessionCookie(t *testing.T) {
	s := newTestServer(t, Settings{})
	s.ingestor.response = ingest.Response{
		Success:          true,
		Message:          "Event logged successfully",
		EventID:          "evt-1",
		SessionID:        validSession,
		SessionPersisted: true,
		EventType:        model.EventClick,
		SessionExpiresAt: time.Now().Add(24 * time.Hour),
	}

	resp, payload := s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"click"}`, map[string]string{
		"Authorization":        "Bearer tok-7",
		"X-Session-Token":      "sess_prev",
		"X-Immediate-Feedback": "true",
		"X-Forwarded-For":      "8.8.8.8",
		"User-Agent":           "test-agent",
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["success"])
	require.Equal(t, "evt-1", payload["event_id"])
	require.Equal(t, validSession, resp.Header.Get("X-Session-Token"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == defaultSessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.Equal(t, validSession, cookie.Value)
	require.True(t, cookie.HttpOnly)

	require.Equal(t, "sess_prev", s.ingestor.last.SessionToken)
	require.Equal(t, int64(7), *s.ingestor.last.UserID)
	require.True(t, s.ingestor.last.ImmediateFeedback)
	require.Equal(t, "8.8.8.8", s.ingestor.last.IPAddress)
	require.Equal(t, "test-agent", s.ingestor.last.UserAgent)
}

func TestLogEventReadsSessionCookie(t *testing.T) {
	s := newTestServer(t, Settings{SessionCookieName: "sid"})
	s.ingestor.response = ingest.Response{Success: true}

	resp, _ := s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"click"}`, map[string]string{
		"Cookie": "sid=" + validSession,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, validSession, s.ingestor.last.SessionToken)
}

func TestLogEventErrorMapping(t *testing.T) {
	s := newTestServer(t, Settings{})

	s.ingestor.err = &model.ValidationError{Field: "event_type", Message: "event_type is required"}
	resp, payload := s.do(t, http.MethodPost, "/logging/log-event", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, false, payload["success"])
	require.Equal(t, "event_type: event_type is required", payload["error"])

	s.ingestor.err = model.Persistence("insert event", errors.New("pg: connection refused"))
	resp, payload = s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"click"}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NotContains(t, payload["error"], "connection refused")
}

func TestLoggingRoutesAnswerPreflight(t *testing.T) {
	s := newTestServer(t, Settings{})
	for _, path := range []string{"/logging/log-event", "/logging/get-analysis", "/logging/trigger-fix"} {
		resp, payload := s.do(t, http.MethodOptions, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Nil(t, payload, path)
	}
}

func TestGetAnalysisValidation(t *testing.T) {
	s := newTestServer(t, Settings{})

	for _, path := range []string{
		"/logging/get-analysis",
		"/logging/get-analysis?user_id=abc",
		"/logging/get-analysis?session_id=x&type=everything",
		"/logging/get-analysis?session_id=x&timeframe=forever",
	} {
		resp, payload := s.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		require.Equal(t, false, payload["success"], path)
	}
}

func TestGetAnalysisReturnsMetadata(t *testing.T) {
	s := newTestServer(t, Settings{})
	s.queries.result = query.Result{Type: query.TypeRealTime, Found: false, Message: "no recent activity"}

	resp, payload := s.do(t, http.MethodGet, "/logging/get-analysis?user_id=12&type=real_time&timeframe=1h", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["success"])

	metadata := payload["metadata"].(map[string]any)
	require.Equal(t, "real_time", metadata["type"])
	require.Equal(t, false, metadata["found"])
	require.Equal(t, "no recent activity", metadata["message"])
	require.Equal(t, float64(12), metadata["user_id"])

	require.Equal(t, int64(12), *s.queries.last.UserID)
	require.Equal(t, time.Hour, s.queries.last.Timeframe)

	s.queries.err = errors.New("disk gone")
	resp, _ = s.do(t, http.MethodGet, "/logging/get-analysis?session_id=x", "", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTriggerFixAppliesCatalogue(t *testing.T) {
	s := newTestServer(t, Settings{})

	resp, payload := s.do(t, http.MethodPost, "/logging/trigger-fix", `{"issue_type":"slow_api_response","user_id":3}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, payload["success"])
	require.Equal(t, "public, max-age=300", resp.Header.Get("Cache-Control"))

	execute := payload["execute"].(map[string]any)
	require.Len(t, execute["directives"], 2)
	require.NotNil(t, payload["fix_result"])
	require.NotEmpty(t, payload["recommendations"])
	reliability := payload["reliability"].(map[string]any)
	require.Equal(t, float64(7), reliability["window_days"])
}

func TestTriggerFixRejectsManualIssue(t *testing.T) {
	s := newTestServer(t, Settings{})

	resp, payload := s.do(t, http.MethodPost, "/logging/trigger-fix", `{"issue_type":"database_connection_issue"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, false, payload["success"])
	require.Contains(t, payload["auto_fixable"], "slow_api_response")
	require.NotContains(t, payload["auto_fixable"], "database_connection_issue")
}

func TestTriggerFixFourthAttemptIsThrottled(t *testing.T) {
	s := newTestServer(t, Settings{})
	body := `{"issue_type":"slow_page_load","user_id":21}`

	for i := 0; i < autofix.RateLimitMaxAttempts; i++ {
		resp, _ := s.do(t, http.MethodPost, "/logging/trigger-fix", body, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, payload := s.do(t, http.MethodPost, "/logging/trigger-fix", body, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, float64(300), payload["retry_after"])
	require.Equal(t, "300", resp.Header.Get("Retry-After"))

	resp, _ = s.do(t, http.MethodPost, "/logging/trigger-fix", `{"issue_type":"slow_page_load","user_id":21,"force_apply":true}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerFixBadPayload(t *testing.T) {
	s := newTestServer(t, Settings{})

	resp, _ := s.do(t, http.MethodPost, "/logging/trigger-fix", `{"issue_type":`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/logging/trigger-fix", `{"issue_type":"  "}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, Settings{})
	s.ingestor.response = ingest.Response{Success: true, EventType: model.EventError}
	s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"error"}`, nil)

	resp, payload := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", payload["status"])

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/metrics", nil)
	require.NoError(t, err)
	metricsResp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)

	body := string(raw)
	require.Contains(t, body, `smartlog_events_ingested_total{event_type="error"} 1`)
	require.Contains(t, body, "smartlog_http_request_duration_seconds")
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	handler := NewHandler(Dependencies{Health: stubHealth{err: errors.New("down")}}, Settings{})
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	s := newTestServer(t, Settings{RateLimitRequestsPerSec: 0.001, RateLimitBurst: 1})
	s.ingestor.response = ingest.Response{Success: true}

	resp, _ := s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"click"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/logging/log-event", `{"event_type":"click"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
