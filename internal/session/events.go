package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/MadushanIlangakoon/nibm-research-backend/internal/inference"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/models"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/negotiation"
)

// Event is the tagged union consumed by a session's dispatch loop. Routing
// everything through one loop gives deterministic per-session ordering and
// lets the whole lifecycle be tested without a live transport.
type Event interface {
	isEvent()
}

// MembershipChanged is a participant joining (Joined true) or leaving
// (Joined false, delivered after the disconnect grace period expires).
type MembershipChanged struct {
	Participant models.Participant
	TransportID string
	Joined      bool
}

// NegotiationPayload is an opaque handshake payload to relay from one
// participant to another. Only Kind is interpreted.
type NegotiationPayload struct {
	From    uuid.UUID
	To      uuid.UUID
	Kind    negotiation.PayloadKind
	Payload json.RawMessage
}

// InferenceSample is one attention result returned by the model service.
type InferenceSample struct {
	Result inference.Result
	At     time.Time
}

// SessionEnded is the presenter's end action (or the abnormal-presenter-
// disconnect equivalent; both are handled identically).
type SessionEnded struct {
	At time.Time
}

func (MembershipChanged) isEvent()  {}
func (NegotiationPayload) isEvent() {}
func (InferenceSample) isEvent()    {}
func (SessionEnded) isEvent()       {}

// Transport is the outbound half of the signaling channel, implemented by
// the realtime hub.
type Transport interface {
	// Broadcast delivers an event to every connected participant.
	Broadcast(event string, payload interface{})
	// SendTo delivers an event to a single participant.
	SendTo(participantID uuid.UUID, event string, payload interface{})
}

// Outbound event names delivered over the signaling transport.
const (
	EventMembership       = "membership"         // reply to the joiner: current member list
	EventMembershipChange = "membership_changed" // broadcast on join/leave
	EventNegotiation      = "negotiation_payload"
	EventSessionEnded     = "session_ended"
	EventCombinedScore    = "combined_score"
	EventSampleResponse   = "inference_sample_response"
)
