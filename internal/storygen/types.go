package storygen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNotImplemented = errors.New("not implemented")
)

// Objective is the intent a story is generated for.
type Objective string

const (
	ObjectiveSleep Objective = "sleep"
	ObjectiveFocus Objective = "focus"
	ObjectiveRelax Objective = "relax"
	ObjectiveFun   Objective = "fun"
)

func ParseObjective(raw string) (Objective, error) {
	switch Objective(strings.ToLower(strings.TrimSpace(raw))) {
	case ObjectiveSleep:
		return ObjectiveSleep, nil
	case ObjectiveFocus:
		return ObjectiveFocus, nil
	case ObjectiveRelax:
		return ObjectiveRelax, nil
	case ObjectiveFun:
		return ObjectiveFun, nil
	default:
		return "", fmt.Errorf("%w: objective %q", ErrInvalidInput, raw)
	}
}

// GenerationRequest is a logical story request. RequestID is the idempotency
// key: it is generated once and reused verbatim on every resubmission.
type GenerationRequest struct {
	RequestID   string    `json:"requestId"`
	ChildIDs    []string  `json:"childIds"`
	Objective   Objective `json:"objective"`
	SubmittedAt time.Time `json:"submittedAt"`
}

func NewGenerationRequest(childIDs []string, objective Objective, now time.Time) (GenerationRequest, error) {
	ids := normalizeChildIDs(childIDs)
	if len(ids) == 0 {
		return GenerationRequest{}, fmt.Errorf("%w: at least one child id is required", ErrInvalidInput)
	}
	if _, err := ParseObjective(string(objective)); err != nil {
		return GenerationRequest{}, err
	}
	return GenerationRequest{
		RequestID:   uuid.NewString(),
		ChildIDs:    ids,
		Objective:   objective,
		SubmittedAt: now.UTC(),
	}, nil
}

func normalizeChildIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, raw := range in {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// EntryStatus tracks a spool entry. Acknowledged entries are removed from the
// spool rather than marked, so there is no status for them.
type EntryStatus string

const (
	EntryQueued     EntryStatus = "queued"
	EntrySubmitting EntryStatus = "submitting"
	EntryFailed     EntryStatus = "failed"
)

// QueuedGenerationEntry wraps a request while it waits for server
// acknowledgment. It is removed from the spool only once the submission RPC
// confirms receipt, never on local optimism.
type QueuedGenerationEntry struct {
	Request        GenerationRequest `json:"request"`
	Status         EntryStatus       `json:"status"`
	Attempts       int               `json:"attempts"`
	LastAttemptAt  time.Time         `json:"lastAttemptAt,omitempty"`
	NextEligibleAt time.Time         `json:"nextEligibleAt,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
}

// LifecycleState is the client-derived generation state of a story.
type LifecycleState string

const (
	StatePending           LifecycleState = "pending"
	StateTitlesReady       LifecycleState = "titles_ready"
	StateGeneratingContent LifecycleState = "generating_content"
	StateReady             LifecycleState = "ready"
	StateError             LifecycleState = "error"
)

// AudioState is the orthogonal audio sub-state; it only advances once the
// story itself is ready.
type AudioState string

const (
	AudioNone    AudioState = "none"
	AudioPending AudioState = "audio_pending"
	AudioReady   AudioState = "audio_ready"
	AudioError   AudioState = "audio_error"
)

// StoryRecord is the client-side read model of a story owned by the remote
// store. Attempt fences change events: events carrying an older attempt than
// the record's are stale and dropped.
type StoryRecord struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"requestId"`
	State      LifecycleState `json:"state"`
	Audio      AudioState     `json:"audio"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	AudioURL   string         `json:"audioUrl,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
	Attempt    int            `json:"attempt"`
	RetryCount int            `json:"retryCount"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// LifecycleStatus is the derived, UI-facing view of a story. Stalled is
// advisory only: the underlying state is untouched and a late completion
// event still applies.
type LifecycleStatus struct {
	StoryID    string         `json:"storyId"`
	State      LifecycleState `json:"state"`
	Audio      AudioState     `json:"audio"`
	Stalled    bool           `json:"stalled"`
	Title      string         `json:"title,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
	RetryCount int            `json:"retryCount"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// QueueStatus summarizes the spool for UI indicators.
type QueueStatus struct {
	PendingGenerations    int  `json:"pendingGenerations"`
	ProcessingGenerations int  `json:"processingGenerations"`
	FailedGenerations     int  `json:"failedGenerations"`
	NeedsSync             bool `json:"needsSync"`
}

// GenerationSpool is the durable home of not-yet-acknowledged requests.
// Snapshot returns entries in FIFO order by submission time.
type GenerationSpool interface {
	Append(entry QueuedGenerationEntry) error
	Update(entry QueuedGenerationEntry) error
	Remove(requestID string) error
	Snapshot() []QueuedGenerationEntry
	Len() int
	Reload() error
	Close() error
}

// StateBackend persists the engine's read model and dispatcher dedup marks.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type persistedState struct {
	Stories    map[string]StoryRecord `json:"stories"`
	ByRequest  map[string]string      `json:"byRequest"`
	Tombstones map[string]time.Time   `json:"tombstones"`
	Notified   []string               `json:"notified"`
	Seq        uint64                 `json:"seq"`
}

// Submitter is the remote store's submission surface. SubmitGeneration must
// be idempotent on RequestID; sending the same request twice yields the same
// story id.
type Submitter interface {
	SubmitGeneration(ctx context.Context, req GenerationRequest) (string, error)
	RetryStory(ctx context.Context, storyID string) error
	DeleteStory(ctx context.Context, storyID string) error
}

// QuotaChecker gates submission. Returning an error wrapping ErrQuotaExceeded
// rejects the request before it is spooled.
type QuotaChecker func(ctx context.Context, childIDs []string) error

// HTTPStatusError is a non-2xx application response from the remote store.
// 408/429/5xx are transient; other 4xx responses are fatal. RetryAfter
// carries the server's backoff hint on a 429, when present.
type HTTPStatusError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
