package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSEventHookPublishesSummary(t *testing.T) {
	publisher := &recordingPublisher{}
	hook := NewNATSEventHook(publisher, "grader.submissions.done")
	finished := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	hook.(*natsEventHook).now = func() time.Time { return finished }

	submission := models.Submission{
		ID:       "sub-1",
		CourseID: testCourse,
		TaskID:   testTask,
		Status:   models.SubmissionStatusDone,
		Result:   models.ResultSuccess,
		Grade:    75,
		Stdout:   "not part of the event",
	}
	submission.SetUsernames([]string{"alice", "bob"})

	require.NoError(t, hook.SubmissionDone(context.Background(), SubmissionDoneEvent{
		Submission:    submission,
		Archive:       []byte("archive"),
		NewSubmission: true,
	}))
	require.Equal(t, []string{"grader.submissions.done"}, publisher.subjects)

	var message submissionDoneMessage
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &message))
	require.Equal(t, submissionDoneMessage{
		SubmissionID:  "sub-1",
		CourseID:      testCourse,
		TaskID:        testTask,
		Usernames:     []string{"alice", "bob"},
		Status:        models.SubmissionStatusDone,
		Result:        models.ResultSuccess,
		Grade:         75,
		NewSubmission: true,
		HasArchive:    true,
		FinishedAt:    finished,
	}, message)
	require.NotContains(t, string(publisher.payloads[0]), "not part of the event")
}

func TestNATSEventHookWrapsPublishErrors(t *testing.T) {
	hook := NewNATSEventHook(&recordingPublisher{err: errors.New("connection closed")}, "subject")

	err := hook.SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: models.Submission{ID: "sub-1"}})
	require.ErrorContains(t, err, "publish submission event")
}

func TestLatestCacheHookDropsEveryOwner(t *testing.T) {
	env := newGradingEnv(t)
	for _, username := range []string{"alice", "bob", "carol"} {
		env.redisServer.HSet(latestCacheKey(username), "10", "[]")
	}

	submission := models.Submission{ID: "sub-1"}
	submission.SetUsernames([]string{"alice", "bob"})

	require.NoError(t, NewLatestCacheHook(env.redis).SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: submission}))
	require.False(t, env.redisServer.Exists(latestCacheKey("alice")))
	require.False(t, env.redisServer.Exists(latestCacheKey("bob")))
	require.True(t, env.redisServer.Exists(latestCacheKey("carol")))
}

func TestLatestCacheHookWithoutRedis(t *testing.T) {
	submission := models.Submission{ID: "sub-1"}
	submission.SetUsernames([]string{"alice"})

	require.NoError(t, NewLatestCacheHook(nil).SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: submission}))
}
