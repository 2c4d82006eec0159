package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/grading"
)

func TestSubmitPersistsWaitingSubmissionAndRecordsJob(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{Environment: "python:3.11", Command: "run", TimeLimitSeconds: 10, MemoryLimitMB: 128})

	result := env.submit(t, "alice")
	require.NotEmpty(t, result.SubmissionID)
	require.Empty(t, result.Removed)

	stored := env.reload(t, result.SubmissionID)
	require.Equal(t, models.SubmissionStatusWaiting, stored.Status)
	require.Equal(t, []string{"alice"}, stored.Usernames())
	require.Equal(t, "10.0.0.1", stored.UserIP)
	require.NotNil(t, stored.JobID)
	require.Equal(t, "job-1", *stored.JobID)

	job := env.client.last(t)
	require.Equal(t, 0, job.job.Priority)
	require.Equal(t, "python:3.11", job.job.Environment)
	require.Equal(t, 10*time.Second, job.job.TimeLimit)
	require.Equal(t, grading.DebugOff, job.job.Debug)
	require.Equal(t, "alice", job.job.Input["@username"])
	require.Equal(t, "alice@example.com", job.job.Input["@email"])
	require.Equal(t, "en", job.job.Input["@lang"])
	require.Equal(t, "1", job.job.Input["@attempts"])
	require.Equal(t, "", job.job.Input["@state"])
	require.Equal(t, stored.SubmittedOn.UTC().Format(time.RFC3339), job.job.Input["@time"])
	require.Equal(t, "print(42)", job.job.Input["q1"])

	raw, err := env.blobs.Get(context.Background(), stored.InputBlobID)
	require.NoError(t, err)
	input, err := models.DecodeInput(raw)
	require.NoError(t, err)
	require.Equal(t, "alice", input["@username"])
}

func TestSubmitRejectsDuplicatePendingUntilResolved(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	first := env.submit(t, "alice")

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "alice"},
		Input:     models.InputData{"q1": "again"},
	})
	require.ErrorIs(t, err, ErrDuplicatePending)

	env.client.last(t).done(successResult(80))
	require.Equal(t, models.SubmissionStatusDone, env.reload(t, first.SubmissionID).Status)

	second := env.submit(t, "alice")
	require.NotEqual(t, first.SubmissionID, second.SubmissionID)
	require.Equal(t, "2", env.client.last(t).job.Input["@attempts"])
}

func TestSubmitHonoursAdmissionMarker(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	require.NoError(t, env.redisServer.Set("test:admission:course-1:task-1:alice", "someone-else"))

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "alice"},
		Input:     models.InputData{},
	})
	require.ErrorIs(t, err, ErrDuplicatePending)

	var count int64
	require.NoError(t, env.db.Model(&models.Submission{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitReleasesAdmissionMarkerOnCompletion(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	result := env.submit(t, "alice")
	marker, err := env.redisServer.Get("test:admission:course-1:task-1:alice")
	require.NoError(t, err)
	require.Equal(t, result.SubmissionID, marker)

	env.client.last(t).done(successResult(100))
	require.False(t, env.redisServer.Exists("test:admission:course-1:task-1:alice"))
}

func TestSubmitCompletionBeforeHandleWrite(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	inline := successResult(75)
	env.client.inline = &inline

	result := env.submit(t, "alice")

	stored := env.reload(t, result.SubmissionID)
	require.Equal(t, models.SubmissionStatusDone, stored.Status)
	require.Equal(t, 75.0, stored.Grade)
	require.Nil(t, stored.JobID)
	require.Nil(t, stored.SSHHost)
}

func TestSubmitDispatchFailureParksSubmission(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})
	env.client.dispatchErr = errors.New("fleet offline")

	result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "alice"},
		Input:     models.InputData{},
	})
	require.Error(t, err)
	require.NotEmpty(t, result.SubmissionID)

	stored := env.reload(t, result.SubmissionID)
	require.Equal(t, models.SubmissionStatusError, stored.Status)
	require.Equal(t, dispatchFailureText, stored.Text)
	require.False(t, env.redisServer.Exists("test:admission:course-1:task-1:alice"))

	env.client.dispatchErr = nil
	env.submit(t, "alice")
}

func TestSubmitUnknownTask(t *testing.T) {
	env := newGradingEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    "missing",
		Requester: Requester{Username: "alice"},
		Input:     models.InputData{},
	})
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitValidatesRequest(t *testing.T) {
	env := newGradingEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{CourseID: testCourse, TaskID: testTask})
	require.Error(t, err)
}

func TestSubmitGroupTaskUsesGroupMembers(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{GroupSubmission: true})
	require.NoError(t, env.db.Create(&models.Group{CourseID: testCourse, Students: "alice,bob"}).Error)

	result := env.submit(t, "bob")

	stored := env.reload(t, result.SubmissionID)
	require.Equal(t, []string{"alice", "bob"}, stored.Usernames())
	require.Equal(t, "alice,bob", env.client.last(t).job.Input["@username"])
	require.Equal(t, "bob@example.com", env.client.last(t).job.Input["@email"])

	_, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "alice"},
		Input:     models.InputData{},
	})
	require.ErrorIs(t, err, ErrDuplicatePending)

	_, err = env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "carol"},
		Input:     models.InputData{},
	})
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSubmitGroupTaskKeepsGroupProblemAnswer(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{GroupSubmission: true, ProblemIDs: "group,q1"})
	require.NoError(t, env.db.Create(&models.Group{CourseID: testCourse, Students: "alice,bob"}).Error)

	env.submit(t, "alice")
	require.Equal(t, "alice", env.client.last(t).job.Input["@username"])
}

func TestSubmitStaffBypassesGroupAndKeepsDebug(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{GroupSubmission: true})

	result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: "teacher", Staff: true},
		Input:     models.InputData{},
		Debug:     grading.DebugLive,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"teacher"}, env.reload(t, result.SubmissionID).Usernames())
	require.Equal(t, grading.DebugLive, env.client.last(t).job.Debug)
}

func TestSubmitTagsLTISessionAndForwardsLaunchFields(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	result, err := env.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID: testCourse,
		TaskID:   testTask,
		Requester: Requester{
			Username: "alice",
			LTI: &LTISession{
				Version:           "1.3",
				SendGrades:        true,
				OutcomeServiceURL: "https://lms.example.com/lineitem/1",
				Extra: map[string]string{
					"context_title":   "Algorithms",
					"consumer_key":    "secret-key",
					"outcome_service": "hidden",
				},
			},
		},
		Input: models.InputData{},
	})
	require.NoError(t, err)

	stored := env.reload(t, result.SubmissionID)
	require.NotNil(t, stored.LTIVersion)
	require.Equal(t, "1.3", *stored.LTIVersion)
	require.Equal(t, "https://lms.example.com/lineitem/1", *stored.LTIOutcomeServiceURL)

	input := env.client.last(t).job.Input
	require.Equal(t, "Algorithms", input["@lti_context_title"])
	require.NotContains(t, input, "@lti_consumer_key")
	require.NotContains(t, input, "@lti_outcome_service")
}

func TestSubmitPrunesExceedingSubmissions(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{MaxStoredSubmissions: 2})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := env.storeSubmission(t, []string{"alice"}, models.SubmissionStatusDone, 10, base)
	env.storeSubmission(t, []string{"alice"}, models.SubmissionStatusDone, 20, base.Add(time.Hour))

	result := env.submit(t, "alice")
	require.Equal(t, []string{oldest.ID}, result.Removed)

	_, err := env.submissions.GetByID(context.Background(), oldest.ID)
	require.Error(t, err)
}

func TestReplayReusePreservesIdentity(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	original := env.submit(t, "alice")
	archive := tarGz(t, map[string]string{"out.txt": "output"})
	env.client.last(t).done(grading.Result{Outcome: grading.OutcomeFailed, Grade: 40, Text: "nope", Archive: archive, Stdout: "out"})

	finished := env.reload(t, original.SubmissionID)
	require.NotNil(t, finished.ArchiveBlobID)
	archiveKey := *finished.ArchiveBlobID

	id, err := env.dispatcher.Replay(context.Background(), ReplayRequest{
		SubmissionID: original.SubmissionID,
		Mode:         ReplayReuse,
		Requester:    Requester{Username: "teacher", Staff: true},
	})
	require.NoError(t, err)
	require.Equal(t, original.SubmissionID, id)

	replayed := env.reload(t, id)
	require.Equal(t, models.SubmissionStatusWaiting, replayed.Status)
	require.True(t, finished.SubmittedOn.Equal(replayed.SubmittedOn))
	require.NotNil(t, replayed.LastReplay)
	require.Empty(t, replayed.Result)
	require.Zero(t, replayed.Grade)
	require.Empty(t, replayed.Text)
	require.Empty(t, replayed.Stdout)
	require.Nil(t, replayed.ArchiveBlobID)
	require.Equal(t, []string{"alice"}, replayed.Usernames())

	_, err = env.blobs.Get(context.Background(), archiveKey)
	require.Error(t, err)

	job := env.client.last(t)
	require.Equal(t, 1, job.job.Priority)
	require.Equal(t, "alice", job.job.Input["@username"])

	job.done(successResult(90))
	require.Equal(t, 1, env.aggregate(t, "alice").Tried)
	require.Equal(t, 90.0, env.aggregate(t, "alice").Grade)
}

func TestReplayReuseRejectsWaitingSubmission(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	original := env.submit(t, "alice")

	_, err := env.dispatcher.Replay(context.Background(), ReplayRequest{
		SubmissionID: original.SubmissionID,
		Mode:         ReplayReuse,
		Requester:    Requester{Username: "teacher", Staff: true},
	})
	require.ErrorIs(t, err, ErrDuplicatePending)
}

func TestReplayCopyAllocatesNewSubmission(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	original := env.submit(t, "alice")
	env.client.last(t).done(successResult(60))
	finished := env.reload(t, original.SubmissionID)

	id, err := env.dispatcher.Replay(context.Background(), ReplayRequest{
		SubmissionID: original.SubmissionID,
		Mode:         ReplayCopy,
		Requester:    Requester{Username: "teacher", Email: "teacher@example.com", Language: "fr", Staff: true},
	})
	require.NoError(t, err)
	require.NotEqual(t, original.SubmissionID, id)

	copied := env.reload(t, id)
	require.Equal(t, models.SubmissionStatusWaiting, copied.Status)
	require.Equal(t, []string{"teacher"}, copied.Usernames())
	require.True(t, copied.SubmittedOn.After(finished.SubmittedOn))

	untouched := env.reload(t, original.SubmissionID)
	require.Equal(t, models.SubmissionStatusDone, untouched.Status)
	require.Equal(t, 60.0, untouched.Grade)

	job := env.client.last(t)
	require.Equal(t, 1, job.job.Priority)
	require.Equal(t, "teacher", job.job.Input["@username"])
	require.Equal(t, "teacher@example.com", job.job.Input["@email"])
	require.Equal(t, "fr", job.job.Input["@lang"])
	require.Equal(t, "1", job.job.Input["@attempts"])
	require.Equal(t, "print(42)", job.job.Input["q1"])

	job.done(successResult(100))
	require.Equal(t, 1, env.aggregate(t, "teacher").Tried)
	require.Equal(t, 60.0, env.aggregate(t, "alice").Grade)
}

func TestReplayUnknownSubmission(t *testing.T) {
	env := newGradingEnv(t)

	_, err := env.dispatcher.Replay(context.Background(), ReplayRequest{
		SubmissionID: "missing",
		Mode:         ReplayReuse,
		Requester:    Requester{Username: "teacher", Staff: true},
	})
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestKillRunningSubmission(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	result := env.submit(t, "alice")

	ok, err := env.dispatcher.Kill(context.Background(), result.SubmissionID, Requester{Username: "mallory"})
	require.ErrorIs(t, err, ErrNotSubmissionOwner)
	require.False(t, ok)

	ok, err = env.dispatcher.Kill(context.Background(), result.SubmissionID, Requester{Username: "alice"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"job-1"}, env.client.killed)

	require.Equal(t, models.SubmissionStatusWaiting, env.reload(t, result.SubmissionID).Status)

	env.client.last(t).done(grading.Result{Outcome: grading.OutcomeKilled, Text: "killed"})
	ok, err = env.dispatcher.Kill(context.Background(), result.SubmissionID, Requester{Username: "alice"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = env.dispatcher.Kill(context.Background(), "missing", Requester{Username: "alice"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecoverInterruptedParksWaitingSubmissions(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	waiting := env.submit(t, "alice")
	done := env.storeSubmission(t, []string{"bob"}, models.SubmissionStatusDone, 50, time.Now().UTC())

	count, err := env.dispatcher.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	recovered := env.reload(t, waiting.SubmissionID)
	require.Equal(t, models.SubmissionStatusError, recovered.Status)
	require.Equal(t, serverRestartedText, recovered.Text)
	require.Nil(t, recovered.JobID)
	require.Equal(t, models.SubmissionStatusDone, env.reload(t, done.ID).Status)
	require.False(t, env.redisServer.Exists("test:admission:course-1:task-1:alice"))

	env.submit(t, "alice")
}

func TestLiveDebugIsRecordedWhileWaitingOnly(t *testing.T) {
	env := newGradingEnv(t)
	env.createTask(t, models.GradingTask{})

	result := env.submit(t, "alice")
	job := env.client.last(t)

	job.liveDebug(grading.LiveDebug{})
	require.Nil(t, env.reload(t, result.SubmissionID).SSHHost)

	job.liveDebug(grading.LiveDebug{Host: "10.1.1.1", Port: 2222, User: "worker", Password: "pw"})
	stored := env.reload(t, result.SubmissionID)
	require.NotNil(t, stored.SSHHost)
	require.Equal(t, "10.1.1.1", *stored.SSHHost)
	require.Equal(t, 2222, *stored.SSHPort)

	job.done(successResult(100))
	job.liveDebug(grading.LiveDebug{Host: "10.1.1.2", Port: 2223})
	stored = env.reload(t, result.SubmissionID)
	require.Nil(t, stored.SSHHost)
	require.Nil(t, stored.SSHPort)
}
