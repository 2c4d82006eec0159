package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// GradingTaskRepository exposes the task configuration collaborator.
type GradingTaskRepository interface {
	Get(ctx context.Context, courseID, taskID string) (models.GradingTask, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.GradingTask, error)
}

// NewGradingTaskRepository constructs a grading task repository.
func NewGradingTaskRepository(db *gorm.DB) GradingTaskRepository {
	return &gradingTaskRepository{db: db}
}

type gradingTaskRepository struct {
	db *gorm.DB
}

func (r *gradingTaskRepository) Get(ctx context.Context, courseID, taskID string) (models.GradingTask, error) {
	var task models.GradingTask
	if err := r.db.WithContext(ctx).
		Where("course_id = ? AND task_id = ?", courseID, taskID).
		First(&task).Error; err != nil {
		return models.GradingTask{}, err
	}
	return task, nil
}

func (r *gradingTaskRepository) ListByCourse(ctx context.Context, courseID string) ([]models.GradingTask, error) {
	var tasks []models.GradingTask
	if err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("task_id ASC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}
