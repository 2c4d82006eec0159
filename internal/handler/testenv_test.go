package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/grading"
)

const (
	testSecret = "handler-secret"
	testCourse = "algo"
	testTask   = "sorting"
)

type queuedJob struct {
	id   string
	job  grading.Job
	done grading.CompletionFunc
}

type queueingClient struct {
	mu     sync.Mutex
	jobs   []queuedJob
	killed []string
}

func (c *queueingClient) Dispatch(_ context.Context, job grading.Job, done grading.CompletionFunc, _ grading.LiveDebugFunc) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("job-%d", len(c.jobs)+1)
	c.jobs = append(c.jobs, queuedJob{id: id, job: job, done: done})
	return id, nil
}

func (c *queueingClient) Kill(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, jobID)
	return nil
}

func (c *queueingClient) complete(t *testing.T, index int, result grading.Result) {
	t.Helper()
	c.mu.Lock()
	require.Greater(t, len(c.jobs), index)
	done := c.jobs[index].done
	c.mu.Unlock()
	done(result)
}

type handlerEnv struct {
	app    *fiber.App
	db     *gorm.DB
	blobs  *repository.BlobRepository
	client *queueingClient
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())

	submissions := repository.NewSubmissionRepository(db, 0)
	userTasks := repository.NewUserTaskRepository(db)
	tasks := repository.NewGradingTaskRepository(db)
	memberships := repository.NewCourseMembershipRepository(db)
	blobs := repository.NewBlobRepository(db)
	client := &queueingClient{}

	admission := service.NewRedisAdmissionGuard(redisClient, "test:admission", logger)
	retention := service.NewRetentionPolicy(submissions, userTasks, tasks, blobs, logger)
	watcher := service.NewSubmissionWatcher(logger)
	completion := service.NewCompletionHandler(submissions, userTasks, tasks, blobs, admission,
		[]service.Hook{service.NewLatestCacheHook(redisClient), watcher}, nil, logger)
	dispatcher := service.NewSubmissionDispatcher(service.DispatcherStores{
		Submissions: submissions,
		UserTasks:   userTasks,
		Tasks:       tasks,
		Memberships: memberships,
		Blobs:       blobs,
	}, client, completion, retention, admission, nil, validate,
		service.DispatcherConfig{AdmissionSlack: time.Minute, DefaultTimeLimit: 30 * time.Second, Launcher: "test"}, logger)
	queries := service.NewSubmissionQueryService(submissions, blobs, redisClient, time.Minute, validate, logger)
	exporter := service.NewArchiveExporter(blobs, memberships, logger)

	require.NoError(t, db.Create(&models.GradingTask{
		CourseID:       testCourse,
		TaskID:         testTask,
		EvaluationMode: models.EvaluationModeBest,
		ProblemIDs:     "code",
	}).Error)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", JWTSecret: testSecret}, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(dispatcher, queries, validate, logger),
		WatchHandler:      handler.NewWatchHandler(queries, watcher, 5*time.Second, logger),
		ExportHandler:     handler.NewExportHandler(queries, exporter, validate, logger),
		JWTMiddleware:     middleware.JWTProtected(testSecret),
	})

	return &handlerEnv{app: app, db: db, blobs: blobs, client: client}
}

func bearer(t *testing.T, username, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  username,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func (e *handlerEnv) do(t *testing.T, method, path, auth string, body interface{}) (*http.Response, apiResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if auth != "" {
		req.Header.Set(fiber.HeaderAuthorization, auth)
	}
	return e.send(t, req)
}

func (e *handlerEnv) send(t *testing.T, req *http.Request) (*http.Response, apiResponse) {
	t.Helper()

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded apiResponse
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (e *handlerEnv) submit(t *testing.T, username string, input map[string]interface{}) string {
	t.Helper()

	path := fmt.Sprintf("/api/v1/courses/%s/tasks/%s/submissions", testCourse, testTask)
	resp, body := e.do(t, http.MethodPost, path, bearer(t, username, "student"), map[string]interface{}{"input": input})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var accepted struct {
		SubmissionID string   `json:"submission_id"`
		Removed      []string `json:"removed_submissions"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &accepted))
	require.NotEmpty(t, accepted.SubmissionID)
	return accepted.SubmissionID
}
