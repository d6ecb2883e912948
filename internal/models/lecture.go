package models

import (
	"time"

	"github.com/google/uuid"
)

// Lecture represents a scheduled lecture for a course.
type Lecture struct {
	ID          uuid.UUID `json:"id"`
	CourseID    uuid.UUID `json:"course_id"`
	TeacherID   uuid.UUID `json:"teacher_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LectureSession is one live-meeting instance of a lecture. Created when the
// presenter starts the meeting; ended exactly once; immutable once ended.
type LectureSession struct {
	ID              uuid.UUID  `json:"id"`
	LectureID       uuid.UUID  `json:"lecture_id"`
	PresenterID     uuid.UUID  `json:"presenter_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	AvgGazeSeconds  *float64   `json:"avg_gaze_seconds,omitempty"`
	ArchiveKey      *string    `json:"archive_key,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
