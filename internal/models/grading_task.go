package models

import (
	"strings"
	"time"
)

// Evaluation modes supported by grading tasks.
const (
	EvaluationModeLast = "last"
	EvaluationModeBest = "best"
)

// GradingTask holds the per-task grading configuration of a course.
type GradingTask struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	CourseID             string    `gorm:"size:128;not null;uniqueIndex:idx_grading_tasks_scope" json:"course_id"`
	TaskID               string    `gorm:"size:128;not null;uniqueIndex:idx_grading_tasks_scope" json:"task_id"`
	Name                 string    `gorm:"size:255" json:"name"`
	EvaluationMode       string    `gorm:"size:16;not null;default:best" json:"evaluation_mode"`
	MaxStoredSubmissions int       `gorm:"not null;default:0" json:"max_stored_submissions"`
	GroupSubmission      bool      `gorm:"not null;default:false" json:"group_submission"`
	Environment          string    `gorm:"size:255" json:"environment"`
	Command              string    `gorm:"type:text" json:"command"`
	TimeLimitSeconds     int       `gorm:"not null;default:30" json:"time_limit_seconds"`
	MemoryLimitMB        int       `gorm:"not null;default:256" json:"memory_limit_mb"`
	ProblemIDs           string    `gorm:"type:text" json:"problem_ids"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Problems returns the problem identifiers declared by the task.
func (t GradingTask) Problems() []string {
	if t.ProblemIDs == "" {
		return nil
	}

	parts := strings.Split(t.ProblemIDs, ",")
	problems := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			problems = append(problems, trimmed)
		}
	}
	return problems
}

// HasProblem reports whether the task declares the given problem id.
func (t GradingTask) HasProblem(id string) bool {
	for _, problem := range t.Problems() {
		if problem == id {
			return true
		}
	}
	return false
}

// TimeLimit returns the execution bound configured for the task.
func (t GradingTask) TimeLimit() time.Duration {
	if t.TimeLimitSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeLimitSeconds) * time.Second
}

// QuotaUnlimited reports whether every submission is retained.
func (t GradingTask) QuotaUnlimited() bool {
	return t.MaxStoredSubmissions <= 0
}
