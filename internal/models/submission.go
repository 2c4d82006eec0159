package models

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// Submission lifecycle states.
const (
	SubmissionStatusWaiting = "waiting"
	SubmissionStatusDone    = "done"
	SubmissionStatusError   = "error"
)

// Grading outcomes reported by the grading fleet.
const (
	ResultSuccess  = "success"
	ResultFailed   = "failed"
	ResultTimeout  = "timeout"
	ResultOverflow = "overflow"
	ResultKilled   = "killed"
	ResultCrash    = "crash"
	ResultError    = "error"
)

// ProblemResult is the per-problem outcome attached to a graded submission.
type ProblemResult struct {
	Result string `json:"result" yaml:"result"`
	Text   string `json:"text" yaml:"text"`
}

// Submission is one graded attempt at a task by one student or a group.
type Submission struct {
	ID            string                                       `gorm:"primaryKey;size:36" json:"id"`
	CourseID      string                                       `gorm:"size:128;not null;index:idx_submissions_course_task" json:"course_id"`
	TaskID        string                                       `gorm:"size:128;not null;index:idx_submissions_course_task" json:"task_id"`
	Users         []SubmissionUser                             `gorm:"foreignKey:SubmissionID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Status        string                                       `gorm:"size:16;not null;index" json:"status"`
	SubmittedOn   time.Time                                    `gorm:"not null;index" json:"submitted_on"`
	LastReplay    *time.Time                                   `json:"last_replay,omitempty"`
	InputBlobID   string                                       `gorm:"size:255" json:"-"`
	ArchiveBlobID *string                                      `gorm:"size:255" json:"-"`
	Result        string                                       `gorm:"size:32" json:"result"`
	Grade         float64                                      `gorm:"default:0" json:"grade"`
	Text          string                                       `gorm:"type:text" json:"text"`
	Problems      datatypes.JSONType[map[string]ProblemResult] `json:"problems"`
	Tests         datatypes.JSONMap                            `json:"tests"`
	Custom        datatypes.JSONMap                            `json:"custom"`
	State         string                                       `gorm:"type:text" json:"state"`
	Stdout        string                                       `gorm:"type:text" json:"stdout"`
	Stderr        string                                       `gorm:"type:text" json:"stderr"`
	UserIP        string                                       `gorm:"size:64" json:"user_ip"`
	JobID         *string                                      `gorm:"size:128" json:"job_id,omitempty"`
	SSHHost       *string                                      `gorm:"size:255" json:"ssh_host,omitempty"`
	SSHPort       *int                                         `json:"ssh_port,omitempty"`
	SSHUser       *string                                      `gorm:"size:128" json:"ssh_user,omitempty"`
	SSHPassword   *string                                      `gorm:"size:128" json:"-"`

	LTIVersion            *string `gorm:"size:16" json:"lti_version,omitempty"`
	LTIMessageLaunchID    *string `gorm:"size:255" json:"-"`
	LTIOutcomeServiceURL  *string `gorm:"size:512" json:"-"`
	LTIOutcomeResultID    *string `gorm:"size:512" json:"-"`
	LTIOutcomeConsumerKey *string `gorm:"size:255" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmissionUser links a username to a submission while keeping the group order.
type SubmissionUser struct {
	SubmissionID string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"primaryKey;size:128;index"`
	Position     int    `gorm:"not null;default:0"`
}

// Usernames returns the ordered usernames owning the submission.
func (s Submission) Usernames() []string {
	users := make([]SubmissionUser, len(s.Users))
	copy(users, s.Users)
	sort.SliceStable(users, func(i, j int) bool { return users[i].Position < users[j].Position })

	names := make([]string, 0, len(users))
	for _, user := range users {
		names = append(names, user.Username)
	}
	return names
}

// HasUser reports whether username belongs to the submission.
func (s Submission) HasUser(username string) bool {
	for _, user := range s.Users {
		if user.Username == username {
			return true
		}
	}
	return false
}

// SetUsernames replaces the submission owners, preserving order.
func (s *Submission) SetUsernames(usernames []string) {
	s.Users = make([]SubmissionUser, 0, len(usernames))
	for i, name := range usernames {
		s.Users = append(s.Users, SubmissionUser{SubmissionID: s.ID, Username: name, Position: i})
	}
}

// IsWaiting reports whether the submission is still queued or running.
func (s Submission) IsWaiting() bool {
	return s.Status == SubmissionStatusWaiting
}

// IsFinished reports whether grading results are available.
func (s Submission) IsFinished() bool {
	return s.Status == SubmissionStatusDone || s.Status == SubmissionStatusError
}

// StatusForResult classifies a grading outcome. Only student-caused outcomes count as done.
func StatusForResult(result string) string {
	if result == ResultSuccess || result == ResultFailed {
		return SubmissionStatusDone
	}
	return SubmissionStatusError
}
