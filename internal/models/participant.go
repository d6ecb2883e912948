package models

import (
	"time"

	"github.com/google/uuid"
)

// Role of a session participant.
const (
	RolePresenter = "presenter"
	RoleViewer    = "viewer"
)

// Participant is one attendee of a live session. The ID is the stable user
// identity; it survives transport reconnects. Records are created on first
// join and never deleted (a participant who left and did not rejoin still
// needs a row for accounting).
type Participant struct {
	ID          uuid.UUID  `json:"id"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}
