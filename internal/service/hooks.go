package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionDoneEvent is handed to every hook once a submission is finalized.
type SubmissionDoneEvent struct {
	Submission    models.Submission
	Archive       []byte
	NewSubmission bool
}

// Hook observes finalized submissions. Errors and panics are contained by the completion handler.
type Hook interface {
	Name() string
	SubmissionDone(ctx context.Context, event SubmissionDoneEvent) error
}

// EventPublisher is the subset of a NATS connection used by the event hook.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

type submissionDoneMessage struct {
	SubmissionID  string    `json:"submission_id"`
	CourseID      string    `json:"course_id"`
	TaskID        string    `json:"task_id"`
	Usernames     []string  `json:"usernames"`
	Status        string    `json:"status"`
	Result        string    `json:"result"`
	Grade         float64   `json:"grade"`
	NewSubmission bool      `json:"new_submission"`
	HasArchive    bool      `json:"has_archive"`
	FinishedAt    time.Time `json:"finished_at"`
}

type natsEventHook struct {
	publisher EventPublisher
	subject   string
	now       func() time.Time
}

// NewNATSEventHook publishes a submission-done event for downstream consumers.
func NewNATSEventHook(publisher EventPublisher, subject string) Hook {
	return &natsEventHook{publisher: publisher, subject: subject, now: time.Now}
}

func (h *natsEventHook) Name() string {
	return "nats_event"
}

func (h *natsEventHook) SubmissionDone(_ context.Context, event SubmissionDoneEvent) error {
	sub := event.Submission
	payload, err := json.Marshal(submissionDoneMessage{
		SubmissionID:  sub.ID,
		CourseID:      sub.CourseID,
		TaskID:        sub.TaskID,
		Usernames:     sub.Usernames(),
		Status:        sub.Status,
		Result:        sub.Result,
		Grade:         sub.Grade,
		NewSubmission: event.NewSubmission,
		HasArchive:    len(event.Archive) > 0,
		FinishedAt:    h.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(h.subject, payload); err != nil {
		return fmt.Errorf("publish submission event: %w", err)
	}
	return nil
}

type latestCacheHook struct {
	cache *redis.Client
}

// NewLatestCacheHook drops the cached latest-submissions view of every owner.
func NewLatestCacheHook(cache *redis.Client) Hook {
	return &latestCacheHook{cache: cache}
}

func (h *latestCacheHook) Name() string {
	return "latest_cache"
}

func (h *latestCacheHook) SubmissionDone(ctx context.Context, event SubmissionDoneEvent) error {
	if h.cache == nil {
		return nil
	}
	usernames := event.Submission.Usernames()
	if len(usernames) == 0 {
		return nil
	}
	keys := make([]string, 0, len(usernames))
	for _, username := range usernames {
		keys = append(keys, latestCacheKey(username))
	}
	return h.cache.Del(ctx, keys...).Err()
}

func latestCacheKey(username string) string {
	return "grader:latest:" + username
}
