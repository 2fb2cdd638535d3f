package storygen

import "time"

// ChangeKind tags a validated change event from the remote store.
type ChangeKind string

const (
	ChangeTitleSet   ChangeKind = "title_set"
	ChangeContentSet ChangeKind = "content_set"
	ChangeSummarySet ChangeKind = "summary_set"
	ChangeErrorSet   ChangeKind = "error_set"
	ChangeAudioSet   ChangeKind = "audio_set"
	ChangeDeleted    ChangeKind = "deleted"
)

// ChangeEvent is one field-population update observed on a story record.
// Delivery is at-least-once and unordered; the reducer must treat every
// event as idempotent.
type ChangeEvent struct {
	Kind       ChangeKind
	StoryID    string
	Attempt    int
	Title      string
	Content    string
	Summary    string
	AudioURL   string
	Message    string
	OccurredAt time.Time
}

// stateRank orders the forward lifecycle. error sits outside the ranking:
// it is reachable from any non-ready state and left only by user retry.
func stateRank(s LifecycleState) int {
	switch s {
	case StatePending:
		return 1
	case StateTitlesReady:
		return 2
	case StateGeneratingContent:
		return 3
	case StateReady:
		return 4
	default:
		return 0
	}
}

// reduce applies one change event to a record and reports whether anything
// changed. The derived state never regresses: a duplicate or out-of-order
// field-population event for a field that is already set is a no-op, and
// events carrying an attempt older than the record's are stale and dropped.
func reduce(rec StoryRecord, ev ChangeEvent, now time.Time) (StoryRecord, bool) {
	if ev.Attempt < rec.Attempt {
		return rec, false
	}
	switch ev.Kind {
	case ChangeTitleSet:
		if ev.Title == "" || rec.Title == ev.Title {
			return rec, false
		}
		rec.Title = ev.Title
		if rec.State == StatePending && rec.Content == "" {
			rec.State = StateTitlesReady
		}
	case ChangeContentSet:
		// An empty content event signals that generation has started; a
		// non-empty one completes the story immediately.
		if ev.Content == "" {
			if rec.State == StateError || stateRank(StateGeneratingContent) <= stateRank(rec.State) {
				return rec, false
			}
			rec.State = StateGeneratingContent
			break
		}
		if rec.Content == ev.Content {
			return rec, false
		}
		rec.Content = ev.Content
		if rec.State != StateError && stateRank(StateReady) > stateRank(rec.State) {
			rec.State = StateReady
			rec.LastError = ""
		}
	case ChangeSummarySet:
		if ev.Summary == "" || rec.Summary == ev.Summary {
			return rec, false
		}
		rec.Summary = ev.Summary
	case ChangeErrorSet:
		if rec.State == StateReady || rec.State == StateError {
			return rec, false
		}
		rec.State = StateError
		rec.LastError = ev.Message
	case ChangeAudioSet:
		next := audioStateFromEvent(ev)
		if next == rec.Audio {
			return rec, false
		}
		if next == AudioReady && ev.AudioURL != "" {
			rec.AudioURL = ev.AudioURL
		}
		rec.Audio = next
	default:
		return rec, false
	}
	rec.UpdatedAt = now.UTC()
	return rec, true
}

func audioStateFromEvent(ev ChangeEvent) AudioState {
	switch {
	case ev.AudioURL != "":
		return AudioReady
	case ev.Message != "":
		return AudioError
	default:
		return AudioPending
	}
}

// retryRecord re-enters pending from error under an explicit user action.
// The attempt bump fences out any change events still in flight from the
// failed attempt.
func retryRecord(rec StoryRecord, now time.Time) StoryRecord {
	rec.State = StatePending
	rec.LastError = ""
	rec.RetryCount++
	rec.Attempt++
	rec.UpdatedAt = now.UTC()
	return rec
}

// derivedStatus projects a record into the UI-facing view. Stalled is an
// advisory flag only; it never forces a transition on the record itself.
func derivedStatus(rec StoryRecord, generationTimeout time.Duration, now time.Time) LifecycleStatus {
	stalled := false
	switch rec.State {
	case StatePending, StateTitlesReady, StateGeneratingContent:
		if generationTimeout > 0 && now.Sub(rec.UpdatedAt) > generationTimeout {
			stalled = true
		}
	}
	return LifecycleStatus{
		StoryID:    rec.ID,
		State:      rec.State,
		Audio:      rec.Audio,
		Stalled:    stalled,
		Title:      rec.Title,
		LastError:  rec.LastError,
		RetryCount: rec.RetryCount,
		UpdatedAt:  rec.UpdatedAt,
	}
}
