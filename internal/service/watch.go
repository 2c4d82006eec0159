package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionWatcher lets clients wait for a submission to be finalized.
// It is registered as a completion hook.
type SubmissionWatcher interface {
	Hook
	Watch(submissionID string) (<-chan models.Submission, func())
}

type watchHub struct {
	mu       sync.Mutex
	watchers map[string]map[chan models.Submission]struct{}
	logger   zerolog.Logger
}

// NewSubmissionWatcher creates an in-process watch hub.
func NewSubmissionWatcher(logger zerolog.Logger) SubmissionWatcher {
	return &watchHub{
		watchers: make(map[string]map[chan models.Submission]struct{}),
		logger:   logger.With().Str("component", "submission_watch").Logger(),
	}
}

func (h *watchHub) Name() string {
	return "watch"
}

// Watch registers interest in one submission. The returned func must be called to unregister.
func (h *watchHub) Watch(submissionID string) (<-chan models.Submission, func()) {
	ch := make(chan models.Submission, 1)

	h.mu.Lock()
	if _, ok := h.watchers[submissionID]; !ok {
		h.watchers[submissionID] = make(map[chan models.Submission]struct{})
	}
	h.watchers[submissionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if watchers, ok := h.watchers[submissionID]; ok {
				delete(watchers, ch)
				if len(watchers) == 0 {
					delete(h.watchers, submissionID)
				}
			}
		})
	}
	return ch, cancel
}

func (h *watchHub) SubmissionDone(_ context.Context, event SubmissionDoneEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[event.Submission.ID] {
		select {
		case ch <- event.Submission:
		default:
			h.logger.Debug().Str("submission_id", event.Submission.ID).Msg("watcher already notified")
		}
	}
	return nil
}
