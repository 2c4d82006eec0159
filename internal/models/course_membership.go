package models

import (
	"strings"
	"time"
)

// Group is a set of students submitting jointly in a course.
type Group struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CourseID    string    `gorm:"size:128;not null;index" json:"course_id"`
	Description string    `gorm:"size:255" json:"description"`
	Students    string    `gorm:"type:text;not null" json:"students"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Audience is a cohort of students inside a course.
type Audience struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CourseID    string    `gorm:"size:128;not null;index" json:"course_id"`
	Description string    `gorm:"size:255;not null" json:"description"`
	Students    string    `gorm:"type:text;not null" json:"students"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Members returns the ordered group members.
func (g Group) Members() []string {
	return splitMembers(g.Students)
}

// Members returns the audience members.
func (a Audience) Members() []string {
	return splitMembers(a.Students)
}

// JoinMembers serialises a member list for storage.
func JoinMembers(usernames []string) string {
	return strings.Join(usernames, ",")
}

func splitMembers(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	members := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			members = append(members, trimmed)
		}
	}
	return members
}
