package models

import "time"

// UserTask aggregates a student's attempts at one task and points at the submission counted as their grade.
type UserTask struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:128;not null;uniqueIndex:idx_user_tasks_scope" json:"username"`
	CourseID     string    `gorm:"size:128;not null;uniqueIndex:idx_user_tasks_scope" json:"course_id"`
	TaskID       string    `gorm:"size:128;not null;uniqueIndex:idx_user_tasks_scope" json:"task_id"`
	Tried        int       `gorm:"not null;default:0" json:"tried"`
	Succeeded    bool      `gorm:"not null;default:false" json:"succeeded"`
	Grade        float64   `gorm:"not null;default:0" json:"grade"`
	SubmissionID *string   `gorm:"size:36" json:"submission_id"`
	State        string    `gorm:"type:text" json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EvaluatedSubmission reports the submission currently counted as the evaluation result.
func (u UserTask) EvaluatedSubmission() (string, bool) {
	if u.SubmissionID == nil || *u.SubmissionID == "" {
		return "", false
	}
	return *u.SubmissionID, true
}
