package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotPoint is one periodically retained (elapsed, score) pair for
// attention graphing.
type SnapshotPoint struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Score          float64 `json:"score"`
}

// ParticipantReport is the durable per-participant row written when a
// session closes.
type ParticipantReport struct {
	ID              uuid.UUID       `json:"id"`
	SessionID       uuid.UUID       `json:"session_id"`
	ParticipantID   uuid.UUID       `json:"participant_id"`
	DisplayName     string          `json:"display_name"`
	DurationSeconds float64         `json:"duration_seconds"`
	ActiveSeconds   float64         `json:"active_seconds"`
	AvgScore        float64         `json:"avg_score"`
	MinScore        float64         `json:"min_score"`
	MaxScore        float64         `json:"max_score"`
	SampleCount     int             `json:"sample_count"`
	GazeSeconds     float64         `json:"gaze_seconds"`
	Snapshots       []SnapshotPoint `json:"snapshots"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SessionReport bundles everything persisted for one closed session: the
// per-participant rows plus the session-level aggregate.
type SessionReport struct {
	SessionID      uuid.UUID           `json:"session_id"`
	EndedAt        time.Time           `json:"ended_at"`
	AvgGazeSeconds float64             `json:"avg_gaze_seconds"`
	Participants   []ParticipantReport `json:"participants"`
}
