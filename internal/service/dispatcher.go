package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/grading"
)

var (
	// ErrDuplicatePending indicates a submission for the same student and task is still waiting.
	ErrDuplicatePending = errors.New("a submission is already pending for this task")
	// ErrTaskNotFound indicates the task has no grading configuration.
	ErrTaskNotFound = errors.New("grading task not found")
	// ErrGroupNotFound indicates a group task was submitted by a student outside any group.
	ErrGroupNotFound = errors.New("student is not a member of any group")
)

const (
	dispatchFailureText    = "Unable to dispatch job"
	serverRestartedText    = "Internal error. Server restarted"
	groupProblemID         = "group"
	priorityNewSubmission  = 0
	priorityReplay         = 1
	defaultAdmissionTTL    = 5 * time.Minute
	dispatchModeSubmit     = "submit"
	dispatchModeReplayCopy = "replay_copy"
	dispatchModeReplay     = "replay_reuse"
)

// ReplayMode selects whether a replay keeps the submission identity.
type ReplayMode string

const (
	ReplayReuse ReplayMode = "reuse"
	ReplayCopy  ReplayMode = "copy"
)

// Requester is the authenticated caller on whose behalf a submission is made.
type Requester struct {
	Username string `validate:"required"`
	Email    string
	Language string
	Staff    bool
	IP       string
	LTI      *LTISession
}

// SubmitRequest carries a new submission.
type SubmitRequest struct {
	CourseID  string           `validate:"required"`
	TaskID    string           `validate:"required"`
	Requester Requester        `validate:"required"`
	Input     models.InputData `validate:"required"`
	Debug     grading.DebugMode
}

// SubmitResult is returned once the job has been handed to the grading client.
type SubmitResult struct {
	SubmissionID string
	Removed      []string
}

// ReplayRequest re-grades an existing submission.
type ReplayRequest struct {
	SubmissionID string     `validate:"required"`
	Mode         ReplayMode `validate:"required,oneof=reuse copy"`
	Requester    Requester  `validate:"required"`
	Debug        grading.DebugMode
}

// DispatcherConfig tunes admission and job defaults.
type DispatcherConfig struct {
	AdmissionSlack   time.Duration
	DefaultTimeLimit time.Duration
	Launcher         string
}

// DispatcherStores groups the persistence collaborators of the dispatcher.
type DispatcherStores struct {
	Submissions repository.SubmissionRepository
	UserTasks   repository.UserTaskRepository
	Tasks       repository.GradingTaskRepository
	Memberships repository.CourseMembershipRepository
	Blobs       BlobStore
}

// SubmissionDispatcher turns submissions into grading jobs.
type SubmissionDispatcher interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Replay(ctx context.Context, req ReplayRequest) (string, error)
	Kill(ctx context.Context, submissionID string, requester Requester) (bool, error)
	RecoverInterrupted(ctx context.Context) (int64, error)
}

type submissionDispatcher struct {
	stores     DispatcherStores
	client     grading.Client
	completion CompletionHandler
	retention  RetentionPolicy
	admission  AdmissionGuard
	publishers map[string]ScorePublisher
	validator  *validator.Validate
	config     DispatcherConfig
	tracer     trace.Tracer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewSubmissionDispatcher wires the job dispatcher.
func NewSubmissionDispatcher(stores DispatcherStores, client grading.Client, completion CompletionHandler, retention RetentionPolicy, admission AdmissionGuard, publishers []ScorePublisher, validate *validator.Validate, cfg DispatcherConfig, logger zerolog.Logger) SubmissionDispatcher {
	if cfg.Launcher == "" {
		cfg.Launcher = "gema-grader"
	}
	return &submissionDispatcher{
		stores:     stores,
		client:     client,
		completion: completion,
		retention:  retention,
		admission:  admission,
		publishers: publishersByVersion(publishers),
		validator:  validate,
		config:     cfg,
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/internal/service/dispatcher"),
		logger:     logger.With().Str("component", "submission_dispatcher").Logger(),
		now:        time.Now,
	}
}

func (d *submissionDispatcher) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := d.validator.Struct(req); err != nil {
		return SubmitResult{}, err
	}

	ctx, span := d.tracer.Start(ctx, "submission.submit")
	span.SetAttributes(
		attribute.String("course.id", req.CourseID),
		attribute.String("task.id", req.TaskID),
		attribute.String("requester", req.Requester.Username),
	)
	defer span.End()

	task, err := d.loadTask(ctx, req.CourseID, req.TaskID)
	if err != nil {
		span.RecordError(err)
		return SubmitResult{}, err
	}

	usernames, err := d.submissionOwners(ctx, task, req.Requester)
	if err != nil {
		span.RecordError(err)
		return SubmitResult{}, err
	}

	for _, username := range usernames {
		waiting, err := d.stores.Submissions.HasWaiting(ctx, username, task.CourseID, task.TaskID)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("check pending submissions: %w", err)
		}
		if waiting {
			span.SetStatus(codes.Error, "duplicate_pending")
			return SubmitResult{}, ErrDuplicatePending
		}
	}

	submissionID := uuid.NewString()
	if err := d.acquireAdmission(ctx, task, usernames, submissionID); err != nil {
		span.RecordError(err)
		return SubmitResult{}, err
	}

	aggregate, err := d.stores.UserTasks.GetOrCreate(ctx, req.Requester.Username, task.CourseID, task.TaskID)
	if err != nil {
		d.releaseAdmission(ctx, task, usernames, submissionID)
		return SubmitResult{}, fmt.Errorf("load user task: %w", err)
	}

	submittedOn := d.now().UTC()
	input := enrichInput(req.Input, req.Requester, aggregate, submittedOn)
	if task.GroupSubmission && !req.Requester.Staff && !task.HasProblem(groupProblemID) {
		input["@username"] = strings.Join(usernames, ",")
	}

	submission := models.Submission{
		ID:          submissionID,
		CourseID:    task.CourseID,
		TaskID:      task.TaskID,
		Status:      models.SubmissionStatusWaiting,
		SubmittedOn: submittedOn,
		UserIP:      req.Requester.IP,
	}
	submission.SetUsernames(usernames)
	d.tagLTI(&submission, req.Requester)

	if err := d.persist(ctx, &submission, input); err != nil {
		d.releaseAdmission(ctx, task, usernames, submissionID)
		span.RecordError(err)
		return SubmitResult{}, err
	}

	removed, err := d.retention.Prune(ctx, req.Requester.Username, task.CourseID, task.TaskID)
	if err != nil {
		d.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("failed to prune stored submissions")
	}

	debug := req.Debug
	if !req.Requester.Staff {
		debug = grading.DebugOff
	}

	if err := d.dispatch(ctx, submission, task, input, priorityNewSubmission, true, debug, dispatchModeSubmit); err != nil {
		span.RecordError(err)
		return SubmitResult{SubmissionID: submissionID, Removed: removed}, err
	}

	d.logger.Info().
		Str("submission_id", submissionID).
		Str("username", req.Requester.Username).
		Str("course_id", task.CourseID).
		Str("task_id", task.TaskID).
		Str("ip", req.Requester.IP).
		Msg("new submission")

	return SubmitResult{SubmissionID: submissionID, Removed: removed}, nil
}

func (d *submissionDispatcher) Replay(ctx context.Context, req ReplayRequest) (string, error) {
	if err := d.validator.Struct(req); err != nil {
		return "", err
	}

	ctx, span := d.tracer.Start(ctx, "submission.replay")
	span.SetAttributes(
		attribute.String("submission.id", req.SubmissionID),
		attribute.String("replay.mode", string(req.Mode)),
	)
	defer span.End()

	original, err := d.stores.Submissions.GetByID(ctx, req.SubmissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrSubmissionNotFound
		}
		return "", err
	}

	task, err := d.loadTask(ctx, original.CourseID, original.TaskID)
	if err != nil {
		return "", err
	}

	raw, err := d.stores.Blobs.Get(ctx, original.InputBlobID)
	if err != nil {
		return "", fmt.Errorf("load submission input: %w", err)
	}
	input, err := models.DecodeInput(raw)
	if err != nil {
		return "", err
	}

	var (
		submission models.Submission
		newSub     bool
		mode       string
	)
	switch req.Mode {
	case ReplayCopy:
		submission, input, err = d.copyForReplay(ctx, original, input, req.Requester)
		newSub = true
		mode = dispatchModeReplayCopy
	default:
		submission, err = d.resetForReplay(ctx, original)
		mode = dispatchModeReplay
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := d.dispatch(ctx, submission, task, input, priorityReplay, newSub, req.Debug, mode); err != nil {
		span.RecordError(err)
		return submission.ID, err
	}

	if newSub {
		d.logger.Info().
			Str("submission_id", submission.ID).
			Str("source_id", original.ID).
			Str("username", req.Requester.Username).
			Msg("copying submission for replay")
	} else {
		d.logger.Info().
			Str("submission_id", submission.ID).
			Strs("usernames", submission.Usernames()).
			Msg("replaying submission")
	}

	return submission.ID, nil
}

func (d *submissionDispatcher) Kill(ctx context.Context, submissionID string, requester Requester) (bool, error) {
	submission, err := d.stores.Submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Warn().Str("submission_id", submissionID).Msg("kill requested for unknown submission")
			return false, nil
		}
		return false, err
	}

	if !requester.Staff && !submission.HasUser(requester.Username) {
		return false, ErrNotSubmissionOwner
	}

	if submission.JobID == nil || *submission.JobID == "" {
		d.logger.Warn().Str("submission_id", submissionID).Msg("kill requested for a submission that is not running")
		return false, nil
	}

	if err := d.client.Kill(ctx, *submission.JobID); err != nil {
		d.logger.Warn().Err(err).Str("submission_id", submissionID).Str("job_id", *submission.JobID).Msg("kill request failed")
	}
	return true, nil
}

func (d *submissionDispatcher) RecoverInterrupted(ctx context.Context) (int64, error) {
	count, err := d.stores.Submissions.FailWaiting(ctx, serverRestartedText)
	if err != nil {
		return 0, fmt.Errorf("recover waiting submissions: %w", err)
	}
	if count > 0 {
		d.logger.Warn().Int64("count", count).Msg("parked interrupted submissions in error")
	}
	if cleared, err := d.admission.Reset(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to clear stale admission markers")
	} else if cleared > 0 {
		d.logger.Info().Int("count", cleared).Msg("cleared stale admission markers")
	}
	return count, nil
}

func (d *submissionDispatcher) loadTask(ctx context.Context, courseID, taskID string) (models.GradingTask, error) {
	task, err := d.stores.Tasks.Get(ctx, courseID, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.GradingTask{}, ErrTaskNotFound
		}
		return models.GradingTask{}, err
	}
	return task, nil
}

func (d *submissionDispatcher) submissionOwners(ctx context.Context, task models.GradingTask, requester Requester) ([]string, error) {
	if !task.GroupSubmission || requester.Staff {
		return []string{requester.Username}, nil
	}

	group, err := d.stores.Memberships.GroupForStudent(ctx, task.CourseID, requester.Username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	members := group.Members()
	if len(members) == 0 {
		return nil, ErrGroupNotFound
	}
	return members, nil
}

func (d *submissionDispatcher) acquireAdmission(ctx context.Context, task models.GradingTask, usernames []string, submissionID string) error {
	ttl := d.admissionTTL(task)
	acquired := make([]string, 0, len(usernames))
	for _, username := range usernames {
		ok, err := d.admission.Acquire(ctx, username, task.CourseID, task.TaskID, submissionID, ttl)
		if err != nil || !ok {
			d.releaseAdmission(ctx, task, acquired, submissionID)
			if err != nil {
				return fmt.Errorf("acquire admission: %w", err)
			}
			return ErrDuplicatePending
		}
		acquired = append(acquired, username)
	}
	return nil
}

func (d *submissionDispatcher) releaseAdmission(ctx context.Context, task models.GradingTask, usernames []string, submissionID string) {
	for _, username := range usernames {
		if err := d.admission.Release(ctx, username, task.CourseID, task.TaskID, submissionID); err != nil {
			d.logger.Warn().Err(err).Str("username", username).Msg("failed to release admission marker")
		}
	}
}

func (d *submissionDispatcher) admissionTTL(task models.GradingTask) time.Duration {
	limit := task.TimeLimit()
	if limit <= 0 {
		limit = d.config.DefaultTimeLimit
	}
	if limit <= 0 {
		return defaultAdmissionTTL
	}
	return limit + d.config.AdmissionSlack
}

func (d *submissionDispatcher) tagLTI(submission *models.Submission, requester Requester) {
	if requester.LTI == nil || !requester.LTI.SendGrades {
		return
	}
	publisher, ok := d.publishers[requester.LTI.Version]
	if !ok {
		return
	}
	publisher.Tag(submission, *requester.LTI)
}

// persist stores the input blob then the waiting record, before any job exists.
func (d *submissionDispatcher) persist(ctx context.Context, submission *models.Submission, input models.InputData) error {
	encoded, err := input.Encode()
	if err != nil {
		return err
	}
	key, err := d.stores.Blobs.Put(ctx, encoded)
	if err != nil {
		return fmt.Errorf("store submission input: %w", err)
	}
	submission.InputBlobID = key

	if err := d.stores.Submissions.Create(ctx, submission); err != nil {
		if delErr := d.stores.Blobs.Delete(ctx, key); delErr != nil {
			d.logger.Warn().Err(delErr).Str("blob_id", key).Msg("failed to discard orphan input")
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (d *submissionDispatcher) resetForReplay(ctx context.Context, original models.Submission) (models.Submission, error) {
	if original.IsWaiting() {
		return models.Submission{}, ErrDuplicatePending
	}

	submission, err := d.stores.Submissions.ResetForReplay(ctx, original.ID, d.now().UTC())
	if err != nil {
		return models.Submission{}, fmt.Errorf("reset submission: %w", err)
	}
	if original.ArchiveBlobID != nil {
		if err := d.stores.Blobs.Delete(ctx, *original.ArchiveBlobID); err != nil {
			d.logger.Warn().Err(err).Str("submission_id", original.ID).Msg("failed to delete previous output archive")
		}
	}
	return submission, nil
}

func (d *submissionDispatcher) copyForReplay(ctx context.Context, original models.Submission, input models.InputData, requester Requester) (models.Submission, models.InputData, error) {
	aggregate, err := d.stores.UserTasks.GetOrCreate(ctx, requester.Username, original.CourseID, original.TaskID)
	if err != nil {
		return models.Submission{}, nil, fmt.Errorf("load user task: %w", err)
	}

	now := d.now().UTC()
	enriched := input.Clone()
	enriched["@attempts"] = strconv.Itoa(aggregate.Tried + 1)
	enriched["@username"] = requester.Username
	enriched["@email"] = requester.Email
	enriched["@lang"] = requester.Language
	enriched["@state"] = aggregate.State

	submission := models.Submission{
		ID:          uuid.NewString(),
		CourseID:    original.CourseID,
		TaskID:      original.TaskID,
		Status:      models.SubmissionStatusWaiting,
		SubmittedOn: now,
		LastReplay:  &now,
		UserIP:      requester.IP,
	}
	submission.SetUsernames([]string{requester.Username})

	if err := d.persist(ctx, &submission, enriched); err != nil {
		return models.Submission{}, nil, err
	}
	return submission, enriched, nil
}

func (d *submissionDispatcher) dispatch(ctx context.Context, submission models.Submission, task models.GradingTask, input models.InputData, priority int, newSubmission bool, debug grading.DebugMode, mode string) error {
	submissionID := submission.ID
	logger := d.logger.With().Str("submission_id", submissionID).Logger()

	timeLimit := task.TimeLimit()
	if timeLimit <= 0 {
		timeLimit = d.config.DefaultTimeLimit
	}

	job := grading.Job{
		Priority:      priority,
		CourseID:      task.CourseID,
		TaskID:        task.TaskID,
		Environment:   task.Environment,
		Command:       task.Command,
		TimeLimit:     timeLimit,
		MemoryLimitMB: task.MemoryLimitMB,
		Input:         map[string]interface{}(input),
		Launcher:      fmt.Sprintf("%s - %s", d.config.Launcher, strings.Join(submission.Usernames(), ",")),
		Debug:         debug,
	}

	done := func(result grading.Result) {
		_, err := d.completion.Complete(context.Background(), Completion{
			SubmissionID:  submissionID,
			NewSubmission: newSubmission,
			Result:        result,
		})
		switch {
		case err == nil, errors.Is(err, ErrAlreadyFinalized):
		case errors.Is(err, ErrSubmissionNotFound):
			logger.Warn().Msg("submission was deleted while grading")
		default:
			logger.Error().Err(err).Msg("failed to complete submission")
		}
	}
	liveDebug := func(info grading.LiveDebug) {
		d.recordLiveDebug(submissionID, info)
	}

	jobID, err := d.client.Dispatch(ctx, job, done, liveDebug)
	if err != nil {
		logger.Error().Err(err).Msg("grading client rejected job")
		if _, completeErr := d.completion.Complete(ctx, Completion{
			SubmissionID:  submissionID,
			NewSubmission: newSubmission,
			Result:        grading.Result{Outcome: grading.OutcomeCrash, Text: dispatchFailureText},
		}); completeErr != nil && !errors.Is(completeErr, ErrAlreadyFinalized) {
			logger.Error().Err(completeErr).Msg("failed to park undispatched submission")
		}
		return fmt.Errorf("dispatch job: %w", err)
	}

	observability.SubmissionsDispatched().WithLabelValues(mode).Inc()

	recorded, err := d.stores.Submissions.SetJobID(ctx, submissionID, jobID)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record job handle")
		return nil
	}
	if !recorded {
		logger.Debug().Str("job_id", jobID).Msg("job completed before its handle was recorded")
	}
	return nil
}

func (d *submissionDispatcher) recordLiveDebug(submissionID string, info grading.LiveDebug) {
	if info.Host == "" {
		return
	}
	updated, err := d.stores.Submissions.SetLiveDebug(context.Background(), submissionID, repository.LiveDebugInfo{
		Host:     info.Host,
		Port:     info.Port,
		User:     info.User,
		Password: info.Password,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("failed to record live debug session")
		return
	}
	if !updated {
		d.logger.Debug().Str("submission_id", submissionID).Msg("ignoring live debug info for a finished submission")
	}
}

// enrichInput adds the requester context the grading environment reads from @-prefixed keys.
func enrichInput(input models.InputData, requester Requester, aggregate models.UserTask, submittedOn time.Time) models.InputData {
	enriched := input.Clone()
	enriched["@username"] = requester.Username
	enriched["@email"] = requester.Email
	enriched["@lang"] = requester.Language
	enriched["@time"] = submittedOn.Format(time.RFC3339)
	enriched["@attempts"] = strconv.Itoa(aggregate.Tried + 1)
	enriched["@state"] = aggregate.State

	if requester.LTI != nil {
		for key, value := range requester.LTI.Extra {
			if key == "consumer_key" || strings.HasPrefix(key, "outcome") {
				continue
			}
			enriched["@lti_"+key] = value
		}
	}
	return enriched
}
