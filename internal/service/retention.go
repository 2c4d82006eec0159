package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// RetentionPolicy enforces the per-student stored submission quota of a task.
type RetentionPolicy interface {
	Prune(ctx context.Context, username, courseID, taskID string) ([]string, error)
}

type retentionPolicy struct {
	submissions repository.SubmissionRepository
	userTasks   repository.UserTaskRepository
	tasks       repository.GradingTaskRepository
	blobs       BlobStore
	logger      zerolog.Logger
}

// NewRetentionPolicy builds the retention engine.
func NewRetentionPolicy(submissions repository.SubmissionRepository, userTasks repository.UserTaskRepository, tasks repository.GradingTaskRepository, blobs BlobStore, logger zerolog.Logger) RetentionPolicy {
	return &retentionPolicy{
		submissions: submissions,
		userTasks:   userTasks,
		tasks:       tasks,
		blobs:       blobs,
		logger:      logger.With().Str("component", "retention_policy").Logger(),
	}
}

// Prune keeps the evaluated submission, every waiting one, then the most recent ones up to the quota,
// and deletes the rest. An interrupted pass leaves extra records for the next one to remove.
func (p *retentionPolicy) Prune(ctx context.Context, username, courseID, taskID string) ([]string, error) {
	task, err := p.tasks.Get(ctx, courseID, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	quota := task.MaxStoredSubmissions
	if task.QuotaUnlimited() {
		return nil, nil
	}

	history, err := p.submissions.List(ctx, repository.SubmissionFilter{
		Username: username,
		CourseID: courseID,
		TaskID:   taskID,
	})
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	aggregate, err := p.userTasks.GetOrCreate(ctx, username, courseID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load user task: %w", err)
	}

	keep := make(map[string]struct{}, quota+1)
	if evaluated, ok := aggregate.EvaluatedSubmission(); ok {
		keep[evaluated] = struct{}{}
	}
	for _, submission := range history {
		if submission.IsWaiting() {
			keep[submission.ID] = struct{}{}
		}
	}
	for _, submission := range history {
		if len(keep) >= quota {
			break
		}
		keep[submission.ID] = struct{}{}
	}

	removable := make([]models.Submission, 0)
	for _, submission := range history {
		if _, ok := keep[submission.ID]; !ok {
			removable = append(removable, submission)
		}
	}
	if len(removable) == 0 {
		return nil, nil
	}

	removed := make([]string, 0, len(removable))
	for _, submission := range removable {
		if keys := submissionBlobKeys(submission.InputBlobID, submission.ArchiveBlobID); len(keys) > 0 {
			if err := p.blobs.Delete(ctx, keys...); err != nil {
				p.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("failed to release submission blobs, keeping record")
				continue
			}
		}
		removed = append(removed, submission.ID)
	}

	if err := p.submissions.Delete(ctx, removed); err != nil {
		return nil, fmt.Errorf("delete submissions: %w", err)
	}

	observability.SubmissionsPruned().Add(float64(len(removed)))
	p.logger.Info().
		Str("username", username).
		Str("course_id", courseID).
		Str("task_id", taskID).
		Int("quota", quota).
		Int("removed", len(removed)).
		Msg("pruned stored submissions")

	return removed, nil
}
