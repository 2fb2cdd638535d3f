package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calmiverse/storysync/internal/storygen"
)

type stubSubmitter struct {
	mu     sync.Mutex
	nextID int
	byReq  map[string]string
	err    error
}

func newStubSubmitter() *stubSubmitter {
	return &stubSubmitter{byReq: map[string]string{}}
}

func (s *stubSubmitter) SubmitGeneration(_ context.Context, req storygen.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if id, ok := s.byReq[req.RequestID]; ok {
		return id, nil
	}
	s.nextID++
	id := fmt.Sprintf("story_%d", s.nextID)
	s.byReq[req.RequestID] = id
	return id, nil
}

func (s *stubSubmitter) RetryStory(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubSubmitter) DeleteStory(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *storygen.Engine) {
	t.Helper()
	engine, err := storygen.NewEngine(storygen.EngineOptions{
		Spool:     storygen.NewMemoryGenerationSpool(16),
		Backend:   storygen.NewInMemoryStateBackend(),
		Submitter: newStubSubmitter(),
		Retry: storygen.RetryOptions{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return NewServerWithConfig(engine, cfg), engine
}

func doRequest(server *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Correlation-Id", "corr_test")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodGet, "/health", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestSubmitGenerationAccepted(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodPost, "/v1/generations", map[string]any{
		"childIds":  []string{"child_1"},
		"objective": "sleep",
	}, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var spooled storygen.GenerationRequest
	if err := json.Unmarshal(resp.Body.Bytes(), &spooled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if spooled.RequestID == "" {
		t.Fatalf("expected a request id in the response")
	}
}

func TestSubmitGenerationRejectsBadObjective(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodPost, "/v1/generations", map[string]any{
		"childIds":  []string{"child_1"},
		"objective": "world-domination",
	}, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSubmitGenerationRejectsEmptyChildren(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodPost, "/v1/generations", map[string]any{
		"childIds":  []string{},
		"objective": "sleep",
	}, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestQueueStatusAndSync(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodPost, "/v1/generations", map[string]any{
		"childIds":  []string{"child_1"},
		"objective": "relax",
	}, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("submit failed: %d", resp.Code)
	}

	resp = doRequest(server, http.MethodGet, "/v1/queue/status", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status storygen.QueueStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.NeedsSync {
		t.Fatalf("expected needsSync with a spooled request, got %+v", status)
	}

	resp = doRequest(server, http.MethodPost, "/v1/queue/sync", nil, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for sync, got %d", resp.Code)
	}
}

func TestStoryStatusLifecycle(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{})
	engine.ApplyChange(storygen.ChangeEvent{Kind: storygen.ChangeTitleSet, StoryID: "story_1", Title: "Title"})

	resp := doRequest(server, http.MethodGet, "/v1/stories/story_1", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status storygen.LifecycleStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != storygen.StateTitlesReady {
		t.Fatalf("expected titles_ready, got %s", status.State)
	}

	resp = doRequest(server, http.MethodGet, "/v1/stories", nil, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "story_1") {
		t.Fatalf("expected listing to include story_1, got %d %s", resp.Code, resp.Body.String())
	}

	resp = doRequest(server, http.MethodGet, "/v1/stories/story_missing", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown story, got %d", resp.Code)
	}
}

func TestStoryRetryConflictsOutsideErrorState(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{})
	engine.ApplyChange(storygen.ChangeEvent{Kind: storygen.ChangeContentSet, StoryID: "story_1", Content: "Done"})

	resp := doRequest(server, http.MethodPost, "/v1/stories/story_1/retry", nil, nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for ready story, got %d", resp.Code)
	}

	engine.ApplyChange(storygen.ChangeEvent{Kind: storygen.ChangeTitleSet, StoryID: "story_2", Title: "T"})
	engine.ApplyChange(storygen.ChangeEvent{Kind: storygen.ChangeErrorSet, StoryID: "story_2", Message: "boom"})
	resp = doRequest(server, http.MethodPost, "/v1/stories/story_2/retry", nil, nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for errored story, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestFailedQueueRoutes(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodGet, "/v1/queue/failed", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = doRequest(server, http.MethodPost, "/v1/queue/failed/req_missing/retry", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown entry, got %d", resp.Code)
	}
	resp = doRequest(server, http.MethodPost, "/v1/queue/failed/req_missing/ack", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown entry, got %d", resp.Code)
	}
}

func TestBearerTokenRequiredWhenConfigured(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{APIToken: "secret-token"})

	resp := doRequest(server, http.MethodGet, "/v1/queue/status", nil, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doRequest(server, http.MethodGet, "/v1/queue/status", nil, map[string]string{
		"Authorization": "Bearer wrong-token",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.Code)
	}
	resp = doRequest(server, http.MethodGet, "/v1/queue/status", nil, map[string]string{
		"Authorization": "Bearer secret-token",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", resp.Code)
	}

	// Health stays open for probes.
	resp = doRequest(server, http.MethodGet, "/health", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", resp.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if resp := doRequest(server, http.MethodGet, "/v1/queue/status", nil, nil); resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(server, http.MethodGet, "/v1/queue/status", nil, nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	resp := doRequest(server, http.MethodGet, "/v1/unknown", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
