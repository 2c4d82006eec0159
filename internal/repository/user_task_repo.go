package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// UserTaskEvaluation is the evaluation snapshot written onto a user task aggregate.
type UserTaskEvaluation struct {
	Succeeded    bool
	Grade        float64
	State        string
	SubmissionID string
}

// UserTaskRepository persists per-user, per-task aggregates.
type UserTaskRepository interface {
	GetOrCreate(ctx context.Context, username, courseID, taskID string) (models.UserTask, error)
	IncrementTried(ctx context.Context, username, courseID, taskID string) (models.UserTask, error)
	SetEvaluation(ctx context.Context, id uint, evaluation UserTaskEvaluation) error
}

// NewUserTaskRepository constructs the aggregate repository.
func NewUserTaskRepository(db *gorm.DB) UserTaskRepository {
	return &userTaskRepository{db: db}
}

type userTaskRepository struct {
	db *gorm.DB
}

func (r *userTaskRepository) GetOrCreate(ctx context.Context, username, courseID, taskID string) (models.UserTask, error) {
	scope := models.UserTask{Username: username, CourseID: courseID, TaskID: taskID}

	var userTask models.UserTask
	err := r.db.WithContext(ctx).Where(&scope).FirstOrCreate(&userTask).Error
	if err == nil {
		return userTask, nil
	}

	// a concurrent first view may have created the row between lookup and insert
	if retryErr := r.db.WithContext(ctx).Where(&scope).First(&userTask).Error; retryErr == nil {
		return userTask, nil
	}
	return models.UserTask{}, err
}

func (r *userTaskRepository) IncrementTried(ctx context.Context, username, courseID, taskID string) (models.UserTask, error) {
	existing, err := r.GetOrCreate(ctx, username, courseID, taskID)
	if err != nil {
		return models.UserTask{}, err
	}

	var userTask models.UserTask
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.UserTask{}).
			Where("id = ?", existing.ID).
			Update("tried", gorm.Expr("tried + ?", 1)).Error; err != nil {
			return err
		}
		return tx.First(&userTask, existing.ID).Error
	})
	if err != nil {
		return models.UserTask{}, err
	}
	return userTask, nil
}

func (r *userTaskRepository) SetEvaluation(ctx context.Context, id uint, evaluation UserTaskEvaluation) error {
	return r.db.WithContext(ctx).Model(&models.UserTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"succeeded":     evaluation.Succeeded,
			"grade":         evaluation.Grade,
			"state":         evaluation.State,
			"submission_id": evaluation.SubmissionID,
		}).Error
}
