package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/grading"
)

const (
	testCourse = "course-1"
	testTask   = "task-1"
)

type stubJob struct {
	id        string
	job       grading.Job
	done      grading.CompletionFunc
	liveDebug grading.LiveDebugFunc
}

type stubGradingClient struct {
	mu          sync.Mutex
	jobs        []stubJob
	inline      *grading.Result
	dispatchErr error
	killErr     error
	killed      []string
}

func (c *stubGradingClient) Dispatch(_ context.Context, job grading.Job, done grading.CompletionFunc, liveDebug grading.LiveDebugFunc) (string, error) {
	c.mu.Lock()
	if c.dispatchErr != nil {
		c.mu.Unlock()
		return "", c.dispatchErr
	}
	id := fmt.Sprintf("job-%d", len(c.jobs)+1)
	c.jobs = append(c.jobs, stubJob{id: id, job: job, done: done, liveDebug: liveDebug})
	inline := c.inline
	c.mu.Unlock()

	if inline != nil {
		done(*inline)
	}
	return id, nil
}

func (c *stubGradingClient) Kill(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, jobID)
	return c.killErr
}

func (c *stubGradingClient) last(t *testing.T) stubJob {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.jobs)
	return c.jobs[len(c.jobs)-1]
}

type recordingHook struct {
	name   string
	err    error
	panics bool
	mu     sync.Mutex
	events []SubmissionDoneEvent
}

func (h *recordingHook) Name() string {
	return h.name
}

func (h *recordingHook) SubmissionDone(_ context.Context, event SubmissionDoneEvent) error {
	if h.panics {
		panic("hook exploded")
	}
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type stubScorePublisher struct {
	version   string
	tagged    []string
	published []models.Submission
	accept    bool
}

func (p *stubScorePublisher) Version() string {
	return p.version
}

func (p *stubScorePublisher) Tag(submission *models.Submission, session LTISession) {
	version := p.version
	submission.LTIVersion = &version
	submission.LTIOutcomeServiceURL = optionalString(session.OutcomeServiceURL)
	p.tagged = append(p.tagged, submission.ID)
}

func (p *stubScorePublisher) Publish(submission models.Submission, _ float64) bool {
	p.published = append(p.published, submission)
	return p.accept
}

type failingBlobStore struct {
	BlobStore
	failDelete bool
	failGet    map[string]bool
}

func (s *failingBlobStore) Delete(ctx context.Context, keys ...string) error {
	if s.failDelete {
		return errors.New("blob backend unavailable")
	}
	return s.BlobStore.Delete(ctx, keys...)
}

func (s *failingBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.failGet[key] {
		return nil, errors.New("corrupt blob")
	}
	return s.BlobStore.Get(ctx, key)
}

type gradingEnv struct {
	db          *gorm.DB
	submissions repository.SubmissionRepository
	userTasks   repository.UserTaskRepository
	tasks       repository.GradingTaskRepository
	memberships repository.CourseMembershipRepository
	blobs       *repository.BlobRepository
	redisServer *miniredis.Miniredis
	redis       *redis.Client
	admission   AdmissionGuard
	client      *stubGradingClient
	hook        *recordingHook
	publisher   *stubScorePublisher
	completion  CompletionHandler
	retention   RetentionPolicy
	dispatcher  SubmissionDispatcher
	clock       time.Time
}

type envOption func(*envConfig)

type envConfig struct {
	maxResultBytes int
}

func withMaxResultBytes(limit int) envOption {
	return func(cfg *envConfig) { cfg.maxResultBytes = limit }
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Submission{},
		&models.SubmissionUser{},
		&models.UserTask{},
		&models.GradingTask{},
		&models.Group{},
		&models.Audience{},
		&models.Blob{},
	))
	return db
}

func newGradingEnv(t *testing.T, opts ...envOption) *gradingEnv {
	t.Helper()

	cfg := envConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := setupTestDB(t)

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	env := &gradingEnv{
		db:          db,
		submissions: repository.NewSubmissionRepository(db, cfg.maxResultBytes),
		userTasks:   repository.NewUserTaskRepository(db),
		tasks:       repository.NewGradingTaskRepository(db),
		memberships: repository.NewCourseMembershipRepository(db),
		blobs:       repository.NewBlobRepository(db),
		redisServer: server,
		redis:       client,
		client:      &stubGradingClient{},
		hook:        &recordingHook{name: "recorder"},
		publisher:   &stubScorePublisher{version: "1.3", accept: true},
		clock:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.admission = NewRedisAdmissionGuard(client, "test:admission", logger)

	env.retention = NewRetentionPolicy(env.submissions, env.userTasks, env.tasks, env.blobs, logger)
	env.completion = NewCompletionHandler(env.submissions, env.userTasks, env.tasks, env.blobs, env.admission,
		[]Hook{env.hook}, []ScorePublisher{env.publisher}, logger)

	dispatcher := NewSubmissionDispatcher(DispatcherStores{
		Submissions: env.submissions,
		UserTasks:   env.userTasks,
		Tasks:       env.tasks,
		Memberships: env.memberships,
		Blobs:       env.blobs,
	}, env.client, env.completion, env.retention, env.admission, []ScorePublisher{env.publisher},
		validator.New(validator.WithRequiredStructEnabled()),
		DispatcherConfig{AdmissionSlack: time.Minute, DefaultTimeLimit: 30 * time.Second, Launcher: "test"}, logger)
	dispatcher.(*submissionDispatcher).now = env.tick
	env.dispatcher = dispatcher

	return env
}

// tick advances a deterministic clock so submission dates are strictly ordered.
func (e *gradingEnv) tick() time.Time {
	e.clock = e.clock.Add(time.Minute)
	return e.clock
}

func (e *gradingEnv) createTask(t *testing.T, task models.GradingTask) models.GradingTask {
	t.Helper()
	if task.CourseID == "" {
		task.CourseID = testCourse
	}
	if task.TaskID == "" {
		task.TaskID = testTask
	}
	if task.EvaluationMode == "" {
		task.EvaluationMode = models.EvaluationModeBest
	}
	require.NoError(t, e.db.Create(&task).Error)
	return task
}

// storeSubmission inserts a finished submission directly, bypassing the dispatcher.
func (e *gradingEnv) storeSubmission(t *testing.T, usernames []string, status string, grade float64, submittedOn time.Time) models.Submission {
	t.Helper()

	input, err := models.InputData{"q1": "answer"}.Encode()
	require.NoError(t, err)
	key, err := e.blobs.Put(context.Background(), input)
	require.NoError(t, err)

	submission := models.Submission{
		ID:          uuid.NewString(),
		CourseID:    testCourse,
		TaskID:      testTask,
		Status:      status,
		SubmittedOn: submittedOn,
		InputBlobID: key,
		Grade:       grade,
	}
	if status != models.SubmissionStatusWaiting {
		submission.Result = models.ResultSuccess
	}
	submission.SetUsernames(usernames)
	require.NoError(t, e.submissions.Create(context.Background(), &submission))
	return submission
}

func (e *gradingEnv) submit(t *testing.T, username string) SubmitResult {
	t.Helper()
	result, err := e.dispatcher.Submit(context.Background(), SubmitRequest{
		CourseID:  testCourse,
		TaskID:    testTask,
		Requester: Requester{Username: username, Email: username + "@example.com", Language: "en", IP: "10.0.0.1"},
		Input:     models.InputData{"q1": "print(42)"},
	})
	require.NoError(t, err)
	return result
}

func (e *gradingEnv) reload(t *testing.T, id string) models.Submission {
	t.Helper()
	submission, err := e.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return submission
}

func (e *gradingEnv) aggregate(t *testing.T, username string) models.UserTask {
	t.Helper()
	userTask, err := e.userTasks.GetOrCreate(context.Background(), username, testCourse, testTask)
	require.NoError(t, err)
	return userTask
}

func successResult(grade float64) grading.Result {
	return grading.Result{Outcome: grading.OutcomeSuccess, Text: "Well done", Grade: grade}
}
