package storygen

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDrainInterval     = 15 * time.Second
	defaultGenerationTimeout = 10 * time.Minute
	defaultTombstoneTTL      = 24 * time.Hour
)

type EngineOptions struct {
	Spool             GenerationSpool
	Backend           StateBackend
	Submitter         Submitter
	Sink              NotificationSink
	Quota             QuotaChecker
	Retry             RetryOptions
	DrainInterval     time.Duration
	GenerationTimeout time.Duration
	TombstoneTTL      time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Engine owns the client-side story read model. Submissions are spooled
// durably and drained toward the remote store; change events from the feed
// are reduced into records and fanned out as deduplicated notifications.
type Engine struct {
	spool      GenerationSpool
	backend    StateBackend
	submitter  Submitter
	dispatcher *NotificationDispatcher
	quota      QuotaChecker
	retry      *RetryPolicy

	drainInterval     time.Duration
	generationTimeout time.Duration
	tombstoneTTL      time.Duration
	logger            *zap.Logger
	clock             func() time.Time

	mu         sync.Mutex
	stories    map[string]StoryRecord
	byRequest  map[string]string
	tombstones map[string]time.Time
	seq        uint64

	draining  atomic.Bool
	drainKick chan struct{}
	loopStop  context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Spool == nil || opts.Submitter == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	drainInterval := opts.DrainInterval
	if drainInterval <= 0 {
		drainInterval = defaultDrainInterval
	}
	generationTimeout := opts.GenerationTimeout
	if generationTimeout <= 0 {
		generationTimeout = defaultGenerationTimeout
	}
	tombstoneTTL := opts.TombstoneTTL
	if tombstoneTTL <= 0 {
		tombstoneTTL = defaultTombstoneTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	retryOpts := opts.Retry
	if retryOpts.Logger == nil {
		retryOpts.Logger = logger
	}
	e := &Engine{
		spool:             opts.Spool,
		backend:           opts.Backend,
		submitter:         opts.Submitter,
		dispatcher:        NewNotificationDispatcher(opts.Sink),
		quota:             opts.Quota,
		retry:             NewRetryPolicy(retryOpts),
		drainInterval:     drainInterval,
		generationTimeout: generationTimeout,
		tombstoneTTL:      tombstoneTTL,
		logger:            logger,
		clock:             clock,
		stories:           map[string]StoryRecord{},
		byRequest:         map[string]string{},
		tombstones:        map[string]time.Time{},
		drainKick:         make(chan struct{}, 1),
	}
	if err := e.loadState(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadState() error {
	if e.backend == nil {
		return nil
	}
	snapshot, err := e.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if snapshot.Stories != nil {
		e.stories = snapshot.Stories
	}
	if snapshot.ByRequest != nil {
		e.byRequest = snapshot.ByRequest
	}
	if snapshot.Tombstones != nil {
		e.tombstones = snapshot.Tombstones
	}
	e.seq = snapshot.Seq
	e.dispatcher.RestoreMarks(snapshot.Notified)
	e.pruneTombstonesLocked(e.clock())
	return nil
}

func (e *Engine) saveLocked() {
	if e.backend == nil {
		return
	}
	snapshot := &persistedState{
		Stories:    e.stories,
		ByRequest:  e.byRequest,
		Tombstones: e.tombstones,
		Notified:   e.dispatcher.Marks(),
		Seq:        e.seq,
	}
	if err := e.backend.Save(snapshot); err != nil {
		e.logger.Error("persisting engine state failed", zap.Error(err))
	}
}

func (e *Engine) pruneTombstonesLocked(now time.Time) {
	for id, at := range e.tombstones {
		if now.Sub(at) > e.tombstoneTTL {
			delete(e.tombstones, id)
		}
	}
}

// Start launches the background drain loop.
func (e *Engine) Start(ctx context.Context) {
	if e == nil || e.loopStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.loopStop = cancel
	e.loopDone = make(chan struct{})
	go e.drainLoop(ctx)
	e.kickDrain()
}

func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		if e.loopStop != nil {
			e.loopStop()
			<-e.loopDone
		}
		if err := e.spool.Close(); err != nil {
			e.logger.Warn("closing spool failed", zap.Error(err))
		}
		if closer, ok := e.backend.(stateBackendCloser); ok {
			if err := closer.Close(); err != nil {
				e.logger.Warn("closing state backend failed", zap.Error(err))
			}
		}
	})
	return nil
}

// SubmitGeneration validates the request, spools it durably, and kicks the
// drain. The request survives a crash between spooling and submission.
func (e *Engine) SubmitGeneration(ctx context.Context, childIDs []string, objective Objective) (GenerationRequest, error) {
	if e == nil {
		return GenerationRequest{}, ErrInvalidInput
	}
	req, err := NewGenerationRequest(childIDs, objective, e.clock())
	if err != nil {
		return GenerationRequest{}, err
	}
	if e.quota != nil {
		if err := e.quota(ctx, req.ChildIDs); err != nil {
			return GenerationRequest{}, err
		}
	}
	entry := QueuedGenerationEntry{
		Request: req,
		Status:  EntryQueued,
	}
	if err := e.spool.Append(entry); err != nil {
		return GenerationRequest{}, err
	}
	e.logger.Info("generation request spooled",
		zap.String("requestId", req.RequestID),
		zap.Int("childCount", len(req.ChildIDs)),
		zap.String("objective", string(req.Objective)),
	)
	e.kickDrain()
	return req, nil
}

// ForceSync reloads the spool from its backing store and kicks a drain pass.
func (e *Engine) ForceSync() error {
	if err := e.spool.Reload(); err != nil {
		return err
	}
	e.kickDrain()
	return nil
}

func (e *Engine) kickDrain() {
	select {
	case e.drainKick <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.drainKick:
		case <-ticker.C:
		}
		e.drainOnce(ctx)
	}
}

// drainOnce walks the spool in FIFO order and makes one submission attempt
// per eligible entry. A failing head entry is rescheduled with backoff and
// does not block the entries behind it. Only one drain runs at a time.
func (e *Engine) drainOnce(ctx context.Context) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	rescheduled := false
	for _, entry := range e.spool.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		now := e.clock()
		if entry.Status == EntryFailed {
			continue
		}
		if !entry.NextEligibleAt.IsZero() && entry.NextEligibleAt.After(now) {
			rescheduled = true
			continue
		}
		entry.Status = EntrySubmitting
		entry.Attempts++
		entry.LastAttemptAt = now.UTC()
		if err := e.spool.Update(entry); err != nil {
			e.logger.Error("marking spool entry submitting failed",
				zap.String("requestId", entry.Request.RequestID),
				zap.Error(err),
			)
			continue
		}
		storyID, err := e.submitter.SubmitGeneration(ctx, entry.Request)
		if err == nil {
			e.acceptSubmission(entry, storyID)
			continue
		}
		if e.rescheduleEntry(entry, err) {
			rescheduled = true
		}
	}
	if rescheduled {
		// Entries waiting out a backoff window get picked up by the ticker.
		e.logger.Debug("drain pass left rescheduled entries", zap.Int("spoolDepth", e.spool.Len()))
	}
}

func (e *Engine) acceptSubmission(entry QueuedGenerationEntry, storyID string) {
	now := e.clock()
	if err := e.spool.Remove(entry.Request.RequestID); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Error("removing acknowledged spool entry failed",
			zap.String("requestId", entry.Request.RequestID),
			zap.Error(err),
		)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.stories[storyID]
	if !ok {
		rec = StoryRecord{
			ID:        storyID,
			State:     StatePending,
			Audio:     AudioNone,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
	}
	rec.RequestID = entry.Request.RequestID
	e.stories[storyID] = rec
	e.byRequest[entry.Request.RequestID] = storyID
	e.saveLocked()
	e.logger.Info("generation request acknowledged",
		zap.String("requestId", entry.Request.RequestID),
		zap.String("storyId", storyID),
		zap.Int("attempts", entry.Attempts),
	)
}

// rescheduleEntry reports whether the entry stays eligible for another
// attempt. Fatal and exhausted entries move to the failed bucket, where they
// wait for an explicit retry or acknowledgment; nothing is dropped.
func (e *Engine) rescheduleEntry(entry QueuedGenerationEntry, submitErr error) bool {
	entry.LastError = submitErr.Error()
	retriable := e.retry.Retriable(submitErr)
	if !retriable || entry.Attempts > e.retry.MaxRetries() {
		entry.Status = EntryFailed
		entry.NextEligibleAt = time.Time{}
		if err := e.spool.Update(entry); err != nil {
			e.logger.Error("marking spool entry failed",
				zap.String("requestId", entry.Request.RequestID),
				zap.Error(err),
			)
		}
		e.logger.Warn("generation request moved to failed bucket",
			zap.String("requestId", entry.Request.RequestID),
			zap.Int("attempts", entry.Attempts),
			zap.Bool("retriable", retriable),
			zap.String("errorClass", classifyError(submitErr)),
			zap.Error(submitErr),
		)
		return false
	}
	delay := e.retry.Delay(entry.Attempts)
	var statusErr *HTTPStatusError
	if errors.As(submitErr, &statusErr) && statusErr.RetryAfter > 0 {
		delay = statusErr.RetryAfter
	}
	entry.Status = EntryQueued
	entry.NextEligibleAt = e.clock().Add(delay).UTC()
	if err := e.spool.Update(entry); err != nil {
		e.logger.Error("rescheduling spool entry failed",
			zap.String("requestId", entry.Request.RequestID),
			zap.Error(err),
		)
		return false
	}
	e.logger.Info("generation attempt failed, rescheduled",
		zap.String("requestId", entry.Request.RequestID),
		zap.Int("attempts", entry.Attempts),
		zap.Duration("delay", delay),
		zap.String("errorClass", classifyError(submitErr)),
		zap.Error(submitErr),
	)
	return true
}

// ApplyChange reduces one validated change event into the read model and
// dispatches any resulting notification. Events are safe to replay.
func (e *Engine) ApplyChange(ev ChangeEvent) {
	if e == nil || strings.TrimSpace(ev.StoryID) == "" {
		return
	}
	now := e.clock()
	e.mu.Lock()
	e.pruneTombstonesLocked(now)
	if _, gone := e.tombstones[ev.StoryID]; gone {
		e.mu.Unlock()
		e.logger.Debug("dropping change event for deleted story", zap.String("storyId", ev.StoryID))
		return
	}
	if ev.Kind == ChangeDeleted {
		delete(e.stories, ev.StoryID)
		e.tombstones[ev.StoryID] = now.UTC()
		e.saveLocked()
		e.mu.Unlock()
		return
	}
	rec, ok := e.stories[ev.StoryID]
	if !ok {
		// A change can arrive before the submission acknowledgment that
		// would normally create the record.
		rec = StoryRecord{
			ID:        ev.StoryID,
			State:     StatePending,
			Audio:     AudioNone,
			Attempt:   ev.Attempt,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
	}
	from := rec.State
	next, changed := reduce(rec, ev, now)
	if !changed && ok {
		e.mu.Unlock()
		return
	}
	e.stories[ev.StoryID] = next
	var pending Notification
	havePending := false
	if next.State != from || !ok {
		e.seq++
		if n, notify := notificationForTransition(next, from, next.State, now); notify {
			pending = n
			havePending = true
		}
	}
	e.saveLocked()
	e.mu.Unlock()

	e.logger.Debug("change event applied",
		zap.String("storyId", ev.StoryID),
		zap.String("kind", string(ev.Kind)),
		zap.String("from", string(from)),
		zap.String("to", string(next.State)),
	)
	if havePending {
		if e.dispatcher.Dispatch(pending) {
			e.mu.Lock()
			e.saveLocked()
			e.mu.Unlock()
		}
	}
}

// RetryStory re-submits a failed story. The remote retry goes first; the
// local record only re-enters pending once the server has accepted it.
func (e *Engine) RetryStory(ctx context.Context, storyID string) error {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return ErrInvalidInput
	}
	e.mu.Lock()
	rec, ok := e.stories[storyID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if rec.State != StateError {
		e.mu.Unlock()
		return ErrInvalidState
	}
	e.mu.Unlock()

	err := e.retry.Do(ctx, "retry_story", func(ctx context.Context) error {
		return e.submitter.RetryStory(ctx, storyID)
	})
	if err != nil {
		return err
	}

	now := e.clock()
	e.mu.Lock()
	rec, ok = e.stories[storyID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.stories[storyID] = retryRecord(rec, now)
	e.seq++
	e.saveLocked()
	e.mu.Unlock()
	e.dispatcher.Forget(storyID)
	e.logger.Info("story retry accepted", zap.String("storyId", storyID))
	return nil
}

// DeleteStory removes a story remotely and locally. The tombstone keeps late
// change events from resurrecting the record.
func (e *Engine) DeleteStory(ctx context.Context, storyID string) error {
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return ErrInvalidInput
	}
	err := e.retry.Do(ctx, "delete_story", func(ctx context.Context) error {
		deleteErr := e.submitter.DeleteStory(ctx, storyID)
		var statusErr *HTTPStatusError
		if errors.As(deleteErr, &statusErr) && statusErr.StatusCode == 404 {
			return nil
		}
		return deleteErr
	})
	if err != nil {
		return err
	}
	now := e.clock()
	e.mu.Lock()
	rec, ok := e.stories[storyID]
	delete(e.stories, storyID)
	if ok && rec.RequestID != "" {
		delete(e.byRequest, rec.RequestID)
	}
	e.tombstones[storyID] = now.UTC()
	e.saveLocked()
	e.mu.Unlock()
	e.dispatcher.Forget(storyID)
	e.logger.Info("story deleted", zap.String("storyId", storyID))
	return nil
}

// Status returns the derived view of one story.
func (e *Engine) Status(storyID string) (LifecycleStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.stories[strings.TrimSpace(storyID)]
	if !ok {
		return LifecycleStatus{}, ErrNotFound
	}
	return derivedStatus(rec, e.generationTimeout, e.clock()), nil
}

// StatusByRequest resolves a spooled request to its story view once the
// submission has been acknowledged.
func (e *Engine) StatusByRequest(requestID string) (LifecycleStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	storyID, ok := e.byRequest[strings.TrimSpace(requestID)]
	if !ok {
		return LifecycleStatus{}, ErrNotFound
	}
	rec, ok := e.stories[storyID]
	if !ok {
		return LifecycleStatus{}, ErrNotFound
	}
	return derivedStatus(rec, e.generationTimeout, e.clock()), nil
}

// ListStatuses returns all story views, most recently updated first.
func (e *Engine) ListStatuses() []LifecycleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	statuses := make([]LifecycleStatus, 0, len(e.stories))
	for _, rec := range e.stories {
		statuses = append(statuses, derivedStatus(rec, e.generationTimeout, now))
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].UpdatedAt.Equal(statuses[j].UpdatedAt) {
			return statuses[i].StoryID < statuses[j].StoryID
		}
		return statuses[i].UpdatedAt.After(statuses[j].UpdatedAt)
	})
	return statuses
}

// QueueStatus summarizes the spool for sync indicators.
func (e *Engine) QueueStatus() QueueStatus {
	var status QueueStatus
	for _, entry := range e.spool.Snapshot() {
		switch entry.Status {
		case EntrySubmitting:
			status.ProcessingGenerations++
		case EntryFailed:
			status.FailedGenerations++
		default:
			status.PendingGenerations++
		}
	}
	status.NeedsSync = status.PendingGenerations+status.ProcessingGenerations > 0
	return status
}

// FailedEntries lists spool entries waiting in the failed bucket.
func (e *Engine) FailedEntries() []QueuedGenerationEntry {
	failed := make([]QueuedGenerationEntry, 0)
	for _, entry := range e.spool.Snapshot() {
		if entry.Status == EntryFailed {
			failed = append(failed, entry)
		}
	}
	return failed
}

// RetryEntry puts a failed spool entry back in the queue with a fresh
// attempt budget and kicks a drain.
func (e *Engine) RetryEntry(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	for _, entry := range e.spool.Snapshot() {
		if entry.Request.RequestID != requestID {
			continue
		}
		if entry.Status != EntryFailed {
			return ErrInvalidState
		}
		entry.Status = EntryQueued
		entry.Attempts = 0
		entry.NextEligibleAt = time.Time{}
		entry.LastError = ""
		if err := e.spool.Update(entry); err != nil {
			return err
		}
		e.kickDrain()
		return nil
	}
	return ErrNotFound
}

// AcknowledgeEntry discards a failed spool entry under an explicit user
// decision. This is the only path that drops a spooled request.
func (e *Engine) AcknowledgeEntry(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	for _, entry := range e.spool.Snapshot() {
		if entry.Request.RequestID != requestID {
			continue
		}
		if entry.Status != EntryFailed {
			return ErrInvalidState
		}
		if err := e.spool.Remove(requestID); err != nil {
			return err
		}
		e.logger.Info("failed generation acknowledged and discarded",
			zap.String("requestId", requestID),
			zap.Int("attempts", entry.Attempts),
		)
		return nil
	}
	return ErrNotFound
}
