package storygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AccessTokenProvider yields a bearer token for the story service.
type AccessTokenProvider func(ctx context.Context) (string, error)

type HTTPSubmitterOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxDelay      time.Duration
}

// HTTPSubmitter talks to the story service's generation API. It performs a
// single attempt per call: the engine's retry policy owns backoff, so a
// client-level retry loop here would multiply attempts. A Retry-After hint
// from a 429 is surfaced via the returned error for the policy to honor.
type HTTPSubmitter struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxDelay      time.Duration
}

func NewHTTPSubmitter(opts HTTPSubmitterOptions) *HTTPSubmitter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.calmiverse.app"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &HTTPSubmitter{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxDelay:      maxDelay,
	}
}

type submitGenerationPayload struct {
	RequestID   string   `json:"requestId"`
	ChildIDs    []string `json:"childIds"`
	Objective   string   `json:"objective"`
	SubmittedAt string   `json:"submittedAt"`
}

type submitGenerationResponse struct {
	StoryID string `json:"storyId"`
}

// SubmitGeneration posts the request with its stable id as the idempotency
// key. Resubmitting the same request returns the same story id.
func (c *HTTPSubmitter) SubmitGeneration(ctx context.Context, req GenerationRequest) (string, error) {
	if c == nil {
		return "", fmt.Errorf("submitter is nil")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return "", ErrInvalidInput
	}
	payload := submitGenerationPayload{
		RequestID:   req.RequestID,
		ChildIDs:    req.ChildIDs,
		Objective:   string(req.Objective),
		SubmittedAt: req.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/generations", req.RequestID, payload)
	if err != nil {
		return "", err
	}
	var parsed submitGenerationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if strings.TrimSpace(parsed.StoryID) == "" {
		return "", fmt.Errorf("generation response missing story id")
	}
	return parsed.StoryID, nil
}

func (c *HTTPSubmitter) RetryStory(ctx context.Context, storyID string) error {
	if c == nil {
		return fmt.Errorf("submitter is nil")
	}
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return ErrInvalidInput
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/stories/"+storyID+"/retry", "", nil)
	return err
}

func (c *HTTPSubmitter) DeleteStory(ctx context.Context, storyID string) error {
	if c == nil {
		return fmt.Errorf("submitter is nil")
	}
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return ErrInvalidInput
	}
	_, err := c.doJSON(ctx, http.MethodDelete, "/v1/stories/"+storyID, "", nil)
	return err
}

func (c *HTTPSubmitter) doJSON(ctx context.Context, method, path, idempotencyKey string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokenProvider != nil {
		token, tokenErr := c.tokenProvider(ctx)
		if tokenErr != nil {
			return nil, tokenErr
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("access token is empty")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	return nil, c.statusError(resp, respBody)
}

func (c *HTTPSubmitter) statusError(resp *http.Response, respBody []byte) error {
	errCode := ""
	errMessage := strings.TrimSpace(string(respBody))
	var parsed map[string]any
	if json.Unmarshal(respBody, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	statusErr := &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Code:       errCode,
		Message:    errMessage,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); retryAfter > 0 {
			if retryAfter > c.maxDelay {
				retryAfter = c.maxDelay
			}
			statusErr.RetryAfter = retryAfter
		}
	}
	if statusErr.StatusCode == http.StatusPaymentRequired || statusErr.Code == "quota_exceeded" {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, errMessage)
	}
	return statusErr
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
