package signaling

import (
	"github.com/Punyamittal/skipon-relay/backend/model"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type NegotiationState string

const (
	StateIdle           NegotiationState = "idle"
	StateOfferSent      NegotiationState = "offer-sent"
	StateOfferReceived  NegotiationState = "offer-received"
	StateAnswerSent     NegotiationState = "answer-sent"
	StateAnswerReceived NegotiationState = "answer-received"
	StateConnected      NegotiationState = "connected"
	StateEnded          NegotiationState = "ended"
)

// Session tracks one peer's negotiation progress as observed by the relay.
// It is never persisted; it lives and dies with the connection.
//
// The one ordering rule that matters: a candidate destined for a peer that
// has not yet been handed its remote description must be buffered, not
// dropped and not delivered. Applying a candidate against a connection
// with no remote description either throws or silently breaks the path.
// Buffered candidates are released in arrival order the moment the remote
// description goes out, and the buffer is cleared.
type Session struct {
	RoomID string
	Role   Role

	state           NegotiationState
	remoteDescribed bool
	pending         []model.Event
}

func NewSession(roomID string, role Role) *Session {
	return &Session{
		RoomID: roomID,
		Role:   role,
		state:  StateIdle,
	}
}

func (s *Session) State() NegotiationState { return s.state }

// LocalDescription advances the machine when this peer's own description
// passes through the relay.
func (s *Session) LocalDescription(typ string) {
	if s.state == StateEnded {
		return
	}
	switch typ {
	case model.EventOffer:
		s.state = StateOfferSent
	case model.EventAnswer:
		s.state = StateAnswerSent
	}
}

// RemoteDescription marks the remote description as delivered to this peer
// and drains the candidate buffer. The returned events must be forwarded
// to the peer immediately, in order.
func (s *Session) RemoteDescription(typ string) []model.Event {
	if s.state == StateEnded {
		return nil
	}
	switch typ {
	case model.EventOffer:
		s.state = StateOfferReceived
	case model.EventAnswer:
		s.state = StateAnswerReceived
	}
	s.remoteDescribed = true
	flushed := s.pending
	s.pending = nil
	return flushed
}

// HoldCandidate buffers ev when this peer cannot apply candidates yet.
// It reports true if the candidate was retained; false means the caller
// should deliver it right away.
func (s *Session) HoldCandidate(ev model.Event) bool {
	if s.state == StateEnded || s.remoteDescribed {
		return false
	}
	s.pending = append(s.pending, ev)
	return true
}

func (s *Session) PendingCandidates() int { return len(s.pending) }

// Connected finalizes the machine once the answer has been exchanged.
func (s *Session) Connected() {
	if s.state == StateAnswerSent || s.state == StateAnswerReceived {
		s.state = StateConnected
	}
}

// End terminates the session from any state and discards the buffer.
// A retried negotiation must go through a fresh Session; layering a second
// context over a live one splits signaling state.
func (s *Session) End() {
	s.state = StateEnded
	s.pending = nil
	s.remoteDescribed = false
}
