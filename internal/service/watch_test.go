package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestSubmissionWatcherNotifiesOnlyMatchingWatchers(t *testing.T) {
	watcher := NewSubmissionWatcher(zerolog.Nop())

	first, cancelFirst := watcher.Watch("sub-1")
	defer cancelFirst()
	other, cancelOther := watcher.Watch("sub-2")
	defer cancelOther()

	done := models.Submission{ID: "sub-1", Status: models.SubmissionStatusDone, Grade: 80}
	require.NoError(t, watcher.SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: done}))
	require.NoError(t, watcher.SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: done}))

	got := <-first
	require.Equal(t, 80.0, got.Grade)
	require.Empty(t, first)
	require.Empty(t, other)
}

func TestSubmissionWatcherCancelUnregisters(t *testing.T) {
	watcher := NewSubmissionWatcher(zerolog.Nop())
	updates, cancel := watcher.Watch("sub-1")
	cancel()
	cancel()

	require.NoError(t, watcher.SubmissionDone(context.Background(), SubmissionDoneEvent{Submission: models.Submission{ID: "sub-1"}}))
	require.Empty(t, updates)
	require.Empty(t, watcher.(*watchHub).watchers)
}

func TestCompletionWakesWatchers(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})
	watcher := NewSubmissionWatcher(zerolog.Nop())
	env.completion = NewCompletionHandler(env.submissions, env.userTasks, env.tasks, env.blobs, env.admission,
		[]Hook{watcher}, nil, zerolog.Nop())

	submission := env.storeSubmission(t, []string{"alice"}, models.SubmissionStatusWaiting, 0, env.tick())
	updates, cancel := watcher.Watch(submission.ID)
	defer cancel()

	_, err := env.completion.Complete(context.Background(), Completion{
		SubmissionID:  submission.ID,
		NewSubmission: true,
		Result:        successResult(90),
	})
	require.NoError(t, err)

	got := <-updates
	require.Equal(t, models.SubmissionStatusDone, got.Status)
	require.Equal(t, 90.0, got.Grade)
}
