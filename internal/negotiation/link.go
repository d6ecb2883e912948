// Package negotiation tracks the per-pair WebRTC handshake state between
// session participants. The coordinator relays negotiation payloads without
// interpreting their bodies; only the payload kind (offer / answer / ice)
// drives link state.
package negotiation

import (
	"errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// State of one direction of a negotiation attempt.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerPending
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PayloadKind classifies a relayed negotiation payload.
type PayloadKind string

// Offer and answer mirror pion's SDP type names on the wire.
var (
	KindOffer  = PayloadKind(webrtc.SDPTypeOffer.String())
	KindAnswer = PayloadKind(webrtc.SDPTypeAnswer.String())
	KindICE    = PayloadKind("ice")
)

var (
	// ErrStalePayload marks a payload that arrived for an already settled
	// direction and was idempotently discarded.
	ErrStalePayload = errors.New("stale negotiation payload")
	// ErrClosed marks a payload for a closed link.
	ErrClosed = errors.New("link closed")
)

// PairKey is the canonical unordered pair of participant identities.
type PairKey struct {
	Lo, Hi uuid.UUID
}

// KeyFor builds the canonical key for a pair regardless of direction.
func KeyFor(a, b uuid.UUID) PairKey {
	if a.String() < b.String() {
		return PairKey{Lo: a, Hi: b}
	}
	return PairKey{Lo: b, Hi: a}
}

// direction is one half of a link's handshake.
type direction struct {
	state State
}

// applyOutbound advances the state machine for a payload sent by this side.
func (d *direction) applyOutbound(kind PayloadKind) error {
	if d.state == StateClosed {
		return ErrClosed
	}
	switch kind {
	case KindOffer:
		if d.state != StateIdle {
			return ErrStalePayload
		}
		d.state = StateOfferSent
	case KindAnswer:
		if d.state != StateAnswerPending {
			return ErrStalePayload
		}
		d.state = StateEstablished
	case KindICE:
		// candidates flow at any live stage
	}
	return nil
}

// applyInbound advances the state machine for a payload received by this side.
func (d *direction) applyInbound(kind PayloadKind) error {
	if d.state == StateClosed {
		return ErrClosed
	}
	switch kind {
	case KindOffer:
		if d.state != StateIdle {
			return ErrStalePayload
		}
		d.state = StateAnswerPending
	case KindAnswer:
		if d.state != StateOfferSent {
			return ErrStalePayload
		}
		d.state = StateEstablished
	case KindICE:
	}
	return nil
}

// Link is the handshake state for one unordered participant pair. Exactly
// one live Link exists per pair; superseding a stale link tears the old one
// down first so no duplicate media path can form.
type Link struct {
	Key       PairKey
	Initiator uuid.UUID // side that creates the offer
	Responder uuid.UUID

	initiatorSide direction // initiator's view: offer-sent -> established
	responderSide direction // responder's view: answer-pending -> established
	closed        bool
}

// NewLink starts a fresh handshake. The initiator is the side that was
// already present when the newcomer joined; it creates the offer.
func NewLink(initiator, responder uuid.UUID) *Link {
	return &Link{
		Key:       KeyFor(initiator, responder),
		Initiator: initiator,
		Responder: responder,
	}
}

// Established reports whether both directions have settled.
func (l *Link) Established() bool {
	return !l.closed &&
		l.initiatorSide.state == StateEstablished &&
		l.responderSide.state == StateEstablished
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool { return l.closed }

// StateOf returns the handshake state as seen by one participant.
func (l *Link) StateOf(id uuid.UUID) State {
	if l.closed {
		return StateClosed
	}
	if id == l.Initiator {
		return l.initiatorSide.state
	}
	return l.responderSide.state
}

// Relay applies one payload flowing from -> to. Stale payloads (duplicate
// offers or answers after the link settled) return ErrStalePayload and leave
// the state untouched; they must not be forwarded. Out-of-order payloads for
// a closed link return ErrClosed.
func (l *Link) Relay(from uuid.UUID, kind PayloadKind) error {
	if l.closed {
		return ErrClosed
	}
	var sender, receiver *direction
	if from == l.Initiator {
		sender, receiver = &l.initiatorSide, &l.responderSide
	} else {
		sender, receiver = &l.responderSide, &l.initiatorSide
	}
	if err := sender.applyOutbound(kind); err != nil {
		return err
	}
	if err := receiver.applyInbound(kind); err != nil {
		return err
	}
	return nil
}

// Close transitions the link to its terminal state and reports whether this
// call performed the transition.
func (l *Link) Close() bool {
	if l.closed {
		return false
	}
	l.closed = true
	l.initiatorSide.state = StateClosed
	l.responderSide.state = StateClosed
	return true
}
