package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// CourseMembershipRepository resolves course groups and audiences.
type CourseMembershipRepository interface {
	GroupForStudent(ctx context.Context, courseID, username string) (models.Group, error)
	AudiencesByStudent(ctx context.Context, courseID string) (map[string][]models.Audience, error)
}

// NewCourseMembershipRepository constructs the membership repository.
func NewCourseMembershipRepository(db *gorm.DB) CourseMembershipRepository {
	return &courseMembershipRepository{db: db}
}

type courseMembershipRepository struct {
	db *gorm.DB
}

func (r *courseMembershipRepository) GroupForStudent(ctx context.Context, courseID, username string) (models.Group, error) {
	var groups []models.Group
	if err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("id ASC").
		Find(&groups).Error; err != nil {
		return models.Group{}, err
	}

	for _, group := range groups {
		for _, member := range group.Members() {
			if member == username {
				return group, nil
			}
		}
	}
	return models.Group{}, gorm.ErrRecordNotFound
}

// AudiencesByStudent maps every student of the course to the audiences they belong to, in id order.
func (r *courseMembershipRepository) AudiencesByStudent(ctx context.Context, courseID string) (map[string][]models.Audience, error) {
	var audiences []models.Audience
	if err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("id ASC").
		Find(&audiences).Error; err != nil {
		return nil, err
	}

	byStudent := make(map[string][]models.Audience)
	for _, audience := range audiences {
		for _, member := range audience.Members() {
			byStudent[member] = append(byStudent[member], audience)
		}
	}
	return byStudent, nil
}
