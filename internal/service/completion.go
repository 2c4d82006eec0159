package service

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// ErrAlreadyFinalized indicates a completion arrived for a submission that is no longer waiting.
var ErrAlreadyFinalized = errors.New("submission already finalized")

const storageOverflowText = "Maximum submission size exceeded. Check feedback, stdout, stderr and state."

// Completion is the terminal report of one dispatched job.
type Completion struct {
	SubmissionID string
	// NewSubmission is false when an existing submission was replayed in place.
	NewSubmission bool
	Result        grading.Result
}

// CompletionHandler persists grading results and fans them out to aggregates, hooks and publishers.
type CompletionHandler interface {
	Complete(ctx context.Context, completion Completion) (models.Submission, error)
}

type completionHandler struct {
	submissions repository.SubmissionRepository
	userTasks   repository.UserTaskRepository
	tasks       repository.GradingTaskRepository
	blobs       BlobStore
	admission   AdmissionGuard
	hooks       []Hook
	publishers  map[string]ScorePublisher
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// NewCompletionHandler wires the completion handler. Hooks run in the given order.
func NewCompletionHandler(submissions repository.SubmissionRepository, userTasks repository.UserTaskRepository, tasks repository.GradingTaskRepository, blobs BlobStore, admission AdmissionGuard, hooks []Hook, publishers []ScorePublisher, logger zerolog.Logger) CompletionHandler {
	return &completionHandler{
		submissions: submissions,
		userTasks:   userTasks,
		tasks:       tasks,
		blobs:       blobs,
		admission:   admission,
		hooks:       hooks,
		publishers:  publishersByVersion(publishers),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/completion"),
		logger:      logger.With().Str("component", "completion_handler").Logger(),
		now:         time.Now,
	}
}

func (h *completionHandler) Complete(ctx context.Context, completion Completion) (models.Submission, error) {
	ctx, span := h.tracer.Start(ctx, "submission.complete")
	span.SetAttributes(
		attribute.String("submission.id", completion.SubmissionID),
		attribute.String("grading.outcome", completion.Result.Outcome),
		attribute.Bool("submission.new", completion.NewSubmission),
	)
	defer span.End()

	logger := h.logger.With().Str("submission_id", completion.SubmissionID).Logger()
	res := completion.Result

	var archiveKey *string
	if len(res.Archive) > 0 {
		key, err := h.blobs.Put(ctx, res.Archive)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to store output archive")
		} else {
			archiveKey = &key
		}
	}

	submission, err := h.submissions.Finalize(ctx, completion.SubmissionID, repository.SubmissionResult{
		Status:        models.StatusForResult(res.Outcome),
		Result:        res.Outcome,
		Grade:         res.Grade,
		Text:          res.Text,
		Problems:      toModelProblems(res.Problems),
		Tests:         res.Tests,
		Custom:        res.Custom,
		State:         res.State,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ArchiveBlobID: archiveKey,
	})
	if errors.Is(err, repository.ErrDocumentTooLarge) {
		logger.Warn().Err(err).Msg("grading result exceeds storage limit, keeping minimal record")
		span.SetAttributes(attribute.Bool("submission.overflow", true))
		submission, err = h.submissions.Finalize(ctx, completion.SubmissionID, repository.SubmissionResult{
			Status:        models.SubmissionStatusError,
			Result:        models.ResultError,
			Grade:         0,
			Text:          storageOverflowText,
			ArchiveBlobID: archiveKey,
		})
	}
	if err != nil {
		h.discardArchive(ctx, archiveKey, logger)
		span.RecordError(err)
		switch {
		case errors.Is(err, repository.ErrSubmissionNotWaiting):
			span.SetStatus(codes.Error, "already_finalized")
			logger.Warn().Msg("ignoring completion for a submission that is not waiting")
			return models.Submission{}, ErrAlreadyFinalized
		case errors.Is(err, gorm.ErrRecordNotFound):
			span.SetStatus(codes.Error, "submission_not_found")
			logger.Warn().Msg("completion for unknown submission")
			return models.Submission{}, ErrSubmissionNotFound
		default:
			span.SetStatus(codes.Error, "finalize_failed")
			logger.Error().Err(err).Msg("failed to persist grading result")
			return models.Submission{}, fmt.Errorf("finalize submission: %w", err)
		}
	}

	usernames := submission.Usernames()
	h.updateAggregates(ctx, submission, usernames, completion.NewSubmission, logger)

	for _, username := range usernames {
		if err := h.admission.Release(ctx, username, submission.CourseID, submission.TaskID, submission.ID); err != nil {
			logger.Warn().Err(err).Str("username", username).Msg("failed to release admission marker")
		}
	}

	observability.SubmissionsCompleted().WithLabelValues(submission.Status, submission.Result).Inc()
	started := submission.SubmittedOn
	if submission.LastReplay != nil {
		started = *submission.LastReplay
	}
	observability.CompletionLatency().Observe(h.now().Sub(started).Seconds())

	event := SubmissionDoneEvent{Submission: submission, Archive: res.Archive, NewSubmission: completion.NewSubmission}
	for _, hook := range h.hooks {
		h.runHook(ctx, hook, event, logger)
	}

	h.publishScore(submission, logger)

	logger.Info().
		Str("course_id", submission.CourseID).
		Str("task_id", submission.TaskID).
		Str("status", submission.Status).
		Str("result", submission.Result).
		Float64("grade", submission.Grade).
		Msg("submission finalized")

	return submission, nil
}

func (h *completionHandler) updateAggregates(ctx context.Context, submission models.Submission, usernames []string, newSubmission bool, logger zerolog.Logger) {
	mode := models.EvaluationModeBest
	task, err := h.tasks.Get(ctx, submission.CourseID, submission.TaskID)
	if err != nil {
		logger.Warn().Err(err).Msg("task configuration unavailable, using best evaluation mode")
	} else if task.EvaluationMode != "" {
		mode = task.EvaluationMode
	}
	strategy := StrategyFor(mode)

	for _, username := range usernames {
		var err error
		if newSubmission {
			err = h.recordAttempt(ctx, strategy, username, submission)
		} else {
			err = h.rescanHistory(ctx, strategy, username, submission)
		}
		if err != nil {
			logger.Error().Err(err).Str("username", username).Msg("failed to update user task")
		}
	}
}

// recordAttempt counts the attempt and lets the strategy choose between the current evaluation and the new result.
func (h *completionHandler) recordAttempt(ctx context.Context, strategy EvaluationStrategy, username string, submission models.Submission) error {
	aggregate, err := h.userTasks.IncrementTried(ctx, username, submission.CourseID, submission.TaskID)
	if err != nil {
		return err
	}

	candidates := make([]models.Submission, 0, 2)
	if evaluated, ok := aggregate.EvaluatedSubmission(); ok {
		candidates = append(candidates, models.Submission{
			ID:    evaluated,
			Grade: aggregate.Grade,
			State: aggregate.State,
		})
	}
	candidates = append(candidates, submission)

	chosen, _ := strategy(candidates)
	if chosen.ID != submission.ID {
		return nil
	}
	return h.userTasks.SetEvaluation(ctx, aggregate.ID, evaluationOf(submission))
}

// rescanHistory re-derives the evaluation from finalized history after an in-place replay.
func (h *completionHandler) rescanHistory(ctx context.Context, strategy EvaluationStrategy, username string, submission models.Submission) error {
	aggregate, err := h.userTasks.GetOrCreate(ctx, username, submission.CourseID, submission.TaskID)
	if err != nil {
		return err
	}

	history, err := h.submissions.List(ctx, repository.SubmissionFilter{
		Username: username,
		CourseID: submission.CourseID,
		TaskID:   submission.TaskID,
	})
	if err != nil {
		return err
	}

	finished := make([]models.Submission, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsFinished() {
			finished = append(finished, history[i])
		}
	}

	if chosen, ok := strategy(finished); ok {
		return h.userTasks.SetEvaluation(ctx, aggregate.ID, evaluationOf(chosen))
	}
	if evaluated, ok := aggregate.EvaluatedSubmission(); ok && evaluated == submission.ID {
		return h.userTasks.SetEvaluation(ctx, aggregate.ID, evaluationOf(submission))
	}
	return nil
}

func (h *completionHandler) runHook(ctx context.Context, hook Hook, event SubmissionDoneEvent, logger zerolog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HookFailures().WithLabelValues(hook.Name()).Inc()
			logger.Error().Interface("panic", rec).Str("hook", hook.Name()).Msg("submission hook panicked")
		}
	}()
	if err := hook.SubmissionDone(ctx, event); err != nil {
		observability.HookFailures().WithLabelValues(hook.Name()).Inc()
		logger.Warn().Err(err).Str("hook", hook.Name()).Msg("submission hook failed")
	}
}

func (h *completionHandler) publishScore(submission models.Submission, logger zerolog.Logger) {
	if submission.LTIVersion == nil {
		return
	}
	publisher, ok := h.publishers[*submission.LTIVersion]
	if !ok {
		logger.Warn().Str("lti_version", *submission.LTIVersion).Msg("no score publisher registered")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			observability.HookFailures().WithLabelValues("lti_" + publisher.Version()).Inc()
			logger.Error().Interface("panic", rec).Msg("score publisher panicked")
		}
	}()
	if !publisher.Publish(submission, submission.Grade) {
		logger.Warn().Str("lti_version", publisher.Version()).Msg("score publication was not accepted")
	}
}

func (h *completionHandler) discardArchive(ctx context.Context, key *string, logger zerolog.Logger) {
	if key == nil {
		return
	}
	if err := h.blobs.Delete(ctx, *key); err != nil {
		logger.Warn().Err(err).Str("blob_id", *key).Msg("failed to discard orphan archive")
	}
}

func evaluationOf(submission models.Submission) repository.UserTaskEvaluation {
	return repository.UserTaskEvaluation{
		Succeeded:    submission.Result == models.ResultSuccess,
		Grade:        submission.Grade,
		State:        submission.State,
		SubmissionID: submission.ID,
	}
}

func toModelProblems(problems map[string]grading.ProblemResult) map[string]models.ProblemResult {
	converted := make(map[string]models.ProblemResult, len(problems))
	for id, problem := range problems {
		converted[id] = models.ProblemResult{Result: problem.Result, Text: problem.Text}
	}
	return converted
}

func publishersByVersion(publishers []ScorePublisher) map[string]ScorePublisher {
	byVersion := make(map[string]ScorePublisher, len(publishers))
	for _, publisher := range publishers {
		if publisher != nil {
			byVersion[publisher.Version()] = publisher
		}
	}
	return byVersion
}
