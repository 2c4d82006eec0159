package models

import "time"

// Blob stores opaque payloads (submission inputs and grading archives) outside the submission row.
type Blob struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Data      []byte    `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	CreatedAt time.Time
}
