package storygen

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotificationKind names a user-visible lifecycle transition.
type NotificationKind string

const (
	NotifyTitlesReady NotificationKind = "titles_ready"
	NotifyReady       NotificationKind = "ready"
	NotifyError       NotificationKind = "error"
)

// Notification is one user-facing signal about a story.
type Notification struct {
	StoryID string           `json:"storyId"`
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title,omitempty"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}

// NotificationSink receives deduplicated notifications. Implementations must
// not block for long; delivery happens on the engine's apply path.
type NotificationSink interface {
	Notify(n Notification)
}

// LogSink writes notifications to the structured log. It is the default sink
// when no push transport is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Notify(n Notification) {
	if s == nil {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("story notification",
		zap.String("storyId", n.StoryID),
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	)
}

// FuncSink adapts a function to NotificationSink.
type FuncSink func(n Notification)

func (f FuncSink) Notify(n Notification) {
	if f != nil {
		f(n)
	}
}

// NotificationDispatcher delivers at most one notification per story and
// transition kind. The seen set survives restarts via Marks/RestoreMarks so a
// replayed change event never re-notifies.
type NotificationDispatcher struct {
	mu   sync.Mutex
	sink NotificationSink
	seen map[string]struct{}
}

func NewNotificationDispatcher(sink NotificationSink) *NotificationDispatcher {
	if sink == nil {
		sink = &LogSink{}
	}
	return &NotificationDispatcher{
		sink: sink,
		seen: map[string]struct{}{},
	}
}

// Dispatch delivers the notification unless the same story and kind has been
// delivered before. It reports whether the sink was invoked.
func (d *NotificationDispatcher) Dispatch(n Notification) bool {
	if d == nil || strings.TrimSpace(n.StoryID) == "" || n.Kind == "" {
		return false
	}
	key := notificationKey(n.StoryID, n.Kind)
	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return false
	}
	d.seen[key] = struct{}{}
	sink := d.sink
	d.mu.Unlock()
	sink.Notify(n)
	return true
}

// Forget clears the marks for a story, so a retried generation can notify
// again on its next completion or failure.
func (d *NotificationDispatcher) Forget(storyID string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := storyID + "|"
	for key := range d.seen {
		if strings.HasPrefix(key, prefix) {
			delete(d.seen, key)
		}
	}
}

// Marks returns the dedup keys in stable order for persistence.
func (d *NotificationDispatcher) Marks() []string {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	marks := make([]string, 0, len(d.seen))
	for key := range d.seen {
		marks = append(marks, key)
	}
	sort.Strings(marks)
	return marks
}

// RestoreMarks reloads dedup keys persisted by a previous run.
func (d *NotificationDispatcher) RestoreMarks(marks []string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range marks {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		d.seen[key] = struct{}{}
	}
}

func notificationKey(storyID string, kind NotificationKind) string {
	return storyID + "|" + string(kind)
}

// notificationForTransition maps a reducer transition to the user-facing
// signal it should produce, if any. Intermediate states stay silent.
func notificationForTransition(rec StoryRecord, from, to LifecycleState, at time.Time) (Notification, bool) {
	if from == to {
		return Notification{}, false
	}
	switch to {
	case StateTitlesReady:
		return Notification{StoryID: rec.ID, Kind: NotifyTitlesReady, Title: rec.Title, At: at}, true
	case StateReady:
		return Notification{StoryID: rec.ID, Kind: NotifyReady, Title: rec.Title, At: at}, true
	case StateError:
		return Notification{StoryID: rec.ID, Kind: NotifyError, Title: rec.Title, Message: rec.LastError, At: at}, true
	default:
		return Notification{}, false
	}
}
