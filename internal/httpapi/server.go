package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/calmiverse/storysync/internal/storygen"
)

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the local engine to the companion app over HTTP.
type Server struct {
	engine      *storygen.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *storygen.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *storygen.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := clientKey(r)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleQueueStatus(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "sync" && r.Method == http.MethodPost:
		s.handleQueueSync(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "failed" && r.Method == http.MethodGet:
		s.handleQueueFailed(w, r, correlationID)
	case len(parts) == 5 && parts[1] == "queue" && parts[2] == "failed" && parts[4] == "retry" && r.Method == http.MethodPost:
		s.handleQueueFailedRetry(w, r, parts[3], correlationID)
	case len(parts) == 5 && parts[1] == "queue" && parts[2] == "failed" && parts[4] == "ack" && r.Method == http.MethodPost:
		s.handleQueueFailedAck(w, r, parts[3], correlationID)
	case len(parts) == 2 && parts[1] == "generations" && r.Method == http.MethodPost:
		s.handleSubmitGeneration(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "generations" && r.Method == http.MethodGet:
		s.handleGenerationStatus(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "stories" && r.Method == http.MethodGet:
		s.handleListStories(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "stories" && r.Method == http.MethodGet:
		s.handleStoryStatus(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "stories" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleStoryRetry(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "stories" && r.Method == http.MethodDelete:
		s.handleStoryDelete(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type apiError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *apiError {
	if s.cfg.APIToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &apiError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing Authorization header"}
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		return &apiError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
	}
	return nil
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.engine.QueueStatus())
}

func (s *Server) handleQueueSync(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if err := s.engine.ForceSync(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync_started"})
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"failed": s.engine.FailedEntries()})
}

func (s *Server) handleQueueFailedRetry(w http.ResponseWriter, _ *http.Request, requestID, correlationID string) {
	if err := s.engine.RetryEntry(requestID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "requestId": requestID})
}

func (s *Server) handleQueueFailedAck(w http.ResponseWriter, _ *http.Request, requestID, correlationID string) {
	if err := s.engine.AcknowledgeEntry(requestID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "requestId": requestID})
}

type submitGenerationRequest struct {
	ChildIDs  []string `json:"childIds"`
	Objective string   `json:"objective"`
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req submitGenerationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	objective, err := storygen.ParseObjective(req.Objective)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	spooled, err := s.engine.SubmitGeneration(r.Context(), req.ChildIDs, objective)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, spooled)
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, _ *http.Request, requestID, correlationID string) {
	status, err := s.engine.StatusByRequest(requestID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListStories(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"stories": s.engine.ListStatuses()})
}

func (s *Server) handleStoryStatus(w http.ResponseWriter, _ *http.Request, storyID, correlationID string) {
	status, err := s.engine.Status(storyID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStoryRetry(w http.ResponseWriter, r *http.Request, storyID, correlationID string) {
	if err := s.engine.RetryStory(r.Context(), storyID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "storyId": storyID})
}

func (s *Server) handleStoryDelete(w http.ResponseWriter, r *http.Request, storyID, correlationID string) {
	if err := s.engine.DeleteStory(r.Context(), storyID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "storyId": storyID})
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, storygen.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, storygen.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, storygen.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, storygen.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, "quota_exceeded", err.Error(), correlationID)
	case errors.Is(err, storygen.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
