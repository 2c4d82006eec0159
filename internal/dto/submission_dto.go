package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/service"
)

// SubmitRequest is the JSON body of a new submission. Multipart forms are accepted too,
// with text fields as answers and uploaded files as file answers.
type SubmitRequest struct {
	Input map[string]interface{} `json:"input" validate:"required"`
	Debug string                 `json:"debug" validate:"omitempty,oneof=debug ssh"`
}

// ReplayRequest asks for a submission to be graded again.
type ReplayRequest struct {
	Mode  string `json:"mode" validate:"required,oneof=reuse copy"`
	Debug string `json:"debug" validate:"omitempty,oneof=debug ssh"`
}

// ExportRequest selects submissions of a course and the directory layout of the archive.
type ExportRequest struct {
	TaskID        string   `json:"task_id"`
	Usernames     []string `json:"usernames"`
	SubmissionIDs []string `json:"submission_ids"`
	Status        string   `json:"status" validate:"omitempty,oneof=waiting done error"`
	Template      []string `json:"template" validate:"omitempty,dive,required"`
	Simplify      bool     `json:"simplify"`
	Limit         int      `json:"limit" validate:"gte=0,lte=1000"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	SubmissionID string   `json:"submission_id"`
	Removed      []string `json:"removed_submissions"`
}

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID          string            `json:"id"`
	CourseID    string            `json:"course_id"`
	TaskID      string            `json:"task_id"`
	Usernames   []string          `json:"usernames"`
	Status      string            `json:"status"`
	SubmittedOn time.Time         `json:"submitted_on"`
	LastReplay  *time.Time        `json:"last_replay,omitempty"`
	Feedback    *service.Feedback `json:"feedback,omitempty"`
	LiveDebug   *LiveDebugInfo    `json:"live_debug,omitempty"`
}

// LiveDebugInfo exposes the ssh endpoint of a running debug session to its owner.
type LiveDebugInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// NewSubmissionResponse converts a Submission model into a DTO. Feedback is only attached once graded.
func NewSubmissionResponse(model models.Submission, feedback *service.Feedback) SubmissionResponse {
	response := SubmissionResponse{
		ID:          model.ID,
		CourseID:    model.CourseID,
		TaskID:      model.TaskID,
		Usernames:   model.Usernames(),
		Status:      model.Status,
		SubmittedOn: model.SubmittedOn,
		LastReplay:  model.LastReplay,
	}
	if model.IsFinished() {
		response.Feedback = feedback
	}
	if model.IsWaiting() && model.SSHHost != nil && model.SSHPort != nil {
		info := &LiveDebugInfo{Host: *model.SSHHost, Port: *model.SSHPort}
		if model.SSHUser != nil {
			info.User = *model.SSHUser
		}
		if model.SSHPassword != nil {
			info.Password = *model.SSHPassword
		}
		response.LiveDebug = info
	}
	return response
}

// NewSubmissionResponses converts a list without feedback.
func NewSubmissionResponses(items []models.Submission) []SubmissionResponse {
	responses := make([]SubmissionResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewSubmissionResponse(item, nil))
	}
	return responses
}
