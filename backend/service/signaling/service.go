package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/service"
)

// Call statuses, visible in peer notifications.
const (
	statusRinging = "ringing"
	statusActive  = "active"
	statusEnded   = "ended"
)

const maxEarlyCandidates = 32

type call struct {
	callerSID string
	calleeSID string
	status    string
	createdAt time.Time

	// candidates relayed before the second peer joined; handed to the
	// joiner's session so the offer -> candidates -> join flow stays
	// lossless
	early []model.Event
}

func (c *call) peerOf(sid string) string {
	if c.callerSID == sid {
		return c.calleeSID
	}
	if c.calleeSID == sid {
		return c.callerSID
	}
	return ""
}

// Service relays signaling messages between the two sockets of a call
// room. It keeps no room document in the store; the only authoritative
// state is which two connections share the room, plus a per-connection
// negotiation Session used to order candidate delivery.
type Service struct {
	logger zerolog.Logger
	sw     service.Switch

	mx       sync.Mutex
	sessions map[string]*Session // by socket id
	calls    map[string]*call    // by room id
}

type Config struct {
	Logger *zerolog.Logger
	Switch service.Switch
}

func NewService(cfg Config) *Service {
	return &Service{
		logger:   cfg.Logger.With().Str("component", "signaling-service").Logger(),
		sw:       cfg.Switch,
		sessions: make(map[string]*Session),
		calls:    make(map[string]*call),
	}
}

// Join attaches the connection to a call room. The first socket in becomes
// the caller, the second the callee. A socket re-joining tears down its
// previous session completely before a new one is created.
func (svc *Service) Join(ctx context.Context, cl model.Client, roomID string) (*Session, error) {
	svc.mx.Lock()
	if old, ok := svc.sessions[cl.SID]; ok {
		old.End()
		delete(svc.sessions, cl.SID)
		svc.detachLocked(old.RoomID, cl.SID)
		svc.sw.Leave(model.KindCall, old.RoomID, cl.SID)
	}

	c, ok := svc.calls[roomID]
	var role Role
	switch {
	case !ok:
		c = &call{callerSID: cl.SID, createdAt: time.Now().UTC()}
		svc.calls[roomID] = c
		role = RoleCaller
	case c.callerSID == cl.SID || c.callerSID == "":
		c.callerSID = cl.SID
		role = RoleCaller
	case c.calleeSID == cl.SID || c.calleeSID == "":
		c.calleeSID = cl.SID
		role = RoleCallee
	default:
		svc.mx.Unlock()
		return nil, model.NewCoded(model.CodeRoomFull, "call already has two peers")
	}
	sess := NewSession(roomID, role)
	svc.sessions[cl.SID] = sess
	if c.peerOf(cl.SID) != "" {
		for _, ev := range c.early {
			sess.HoldCandidate(ev)
		}
		c.early = nil
	}
	svc.mx.Unlock()

	svc.sw.Join(model.KindCall, roomID, cl.SID, cl.Wire)
	svc.announce(ctx, roomID, model.EventPeerJoined, joined{UserID: cl.UserID, Role: role}, cl.SID)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("sid", cl.SID).
		Str("role", string(role)).
		Msg("peer joined call room")
	return sess, nil
}

// Initiate rings the callee.
func (svc *Service) Initiate(ctx context.Context, cl model.Client, roomID string) error {
	svc.mx.Lock()
	c, ok := svc.calls[roomID]
	if !ok || c.callerSID != cl.SID {
		svc.mx.Unlock()
		return model.NewCoded(model.CodeInvalidAction, "only the caller can initiate")
	}
	c.status = statusRinging
	svc.mx.Unlock()

	svc.announce(ctx, roomID, model.EventCallIncoming, joined{UserID: cl.UserID, Role: RoleCaller}, cl.SID)
	return nil
}

// RelayDescription forwards an offer or answer to the peer and releases
// any candidates that were waiting on it, in arrival order.
func (svc *Service) RelayDescription(ctx context.Context, cl model.Client, roomID string, ev model.Event) error {
	svc.mx.Lock()
	c, sess, err := svc.lookupLocked(cl.SID, roomID)
	if err != nil {
		svc.mx.Unlock()
		return err
	}
	sess.LocalDescription(ev.Type)
	peerSID := c.peerOf(cl.SID)
	peerSess := svc.sessions[peerSID]

	var flushed []model.Event
	if peerSess != nil {
		flushed = peerSess.RemoteDescription(ev.Type)
	}
	if ev.Type == model.EventAnswer {
		c.status = statusActive
		sess.Connected()
		if peerSess != nil {
			peerSess.Connected()
		}
	}
	svc.mx.Unlock()

	if peerSID == "" {
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Msg("no peer in call room, description dropped")
		return nil
	}
	ev.DST = peerSID
	svc.sw.Send(ctx, model.KindCall, roomID, ev)
	for _, cand := range flushed {
		cand.DST = peerSID
		svc.sw.Send(ctx, model.KindCall, roomID, cand)
	}
	if len(flushed) > 0 {
		svc.logger.Debug().
			Str("roomID", roomID).
			Int("count", len(flushed)).
			Msg("flushed buffered candidates")
	}
	return nil
}

// RelayCandidate forwards a network-path candidate to the peer, buffering
// it in the peer's session while the peer still lacks a remote description.
// With no peer in the room yet the candidate is held on the call instead,
// bounded by maxEarlyCandidates.
func (svc *Service) RelayCandidate(ctx context.Context, cl model.Client, roomID string, ev model.Event) error {
	svc.mx.Lock()
	c, _, err := svc.lookupLocked(cl.SID, roomID)
	if err != nil {
		svc.mx.Unlock()
		return err
	}
	peerSID := c.peerOf(cl.SID)
	if peerSID == "" {
		if len(c.early) >= maxEarlyCandidates {
			svc.mx.Unlock()
			svc.logger.Warn().Str("roomID", roomID).Msg("early candidate buffer full, candidate dropped")
			return nil
		}
		c.early = append(c.early, ev)
		svc.mx.Unlock()
		svc.logger.Debug().Str("roomID", roomID).Msg("candidate held until a peer joins")
		return nil
	}
	peerSess := svc.sessions[peerSID]
	if peerSess != nil && peerSess.HoldCandidate(ev) {
		svc.mx.Unlock()
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("dst", peerSID).
			Msg("candidate buffered until remote description")
		return nil
	}
	svc.mx.Unlock()

	ev.DST = peerSID
	svc.sw.Send(ctx, model.KindCall, roomID, ev)
	return nil
}

// End terminates the call explicitly for both sides.
func (svc *Service) End(ctx context.Context, cl model.Client, roomID string) error {
	svc.mx.Lock()
	c, _, err := svc.lookupLocked(cl.SID, roomID)
	if err != nil {
		svc.mx.Unlock()
		return err
	}
	c.status = statusEnded
	sids := []string{c.callerSID, c.calleeSID}
	for _, sid := range sids {
		if s, ok := svc.sessions[sid]; ok {
			s.End()
			delete(svc.sessions, sid)
		}
	}
	delete(svc.calls, roomID)
	svc.mx.Unlock()

	svc.announce(ctx, roomID, model.EventCallEnded, joined{UserID: cl.UserID}, cl.SID)
	for _, sid := range sids {
		if sid != "" {
			svc.sw.Leave(model.KindCall, roomID, sid)
		}
	}
	svc.logger.Debug().Str("roomID", roomID).Msg("call ended")
	return nil
}

// Leave is the sweeper path: a lost connection ends the call for the
// remaining peer as well.
func (svc *Service) Leave(ctx context.Context, cl model.Client, roomID string) {
	svc.mx.Lock()
	if s, ok := svc.sessions[cl.SID]; ok {
		s.End()
		delete(svc.sessions, cl.SID)
	}
	svc.detachLocked(roomID, cl.SID)
	c := svc.calls[roomID]
	if c != nil && c.callerSID == "" && c.calleeSID == "" {
		delete(svc.calls, roomID)
	}
	svc.mx.Unlock()

	svc.sw.Leave(model.KindCall, roomID, cl.SID)
	svc.announce(ctx, roomID, model.EventPeerLeft, joined{UserID: cl.UserID}, cl.SID)
}

// SessionOf exposes the negotiation session for diagnostics and tests.
func (svc *Service) SessionOf(sid string) (*Session, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	s, ok := svc.sessions[sid]
	return s, ok
}

type joined struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role,omitempty"`
}

func (svc *Service) lookupLocked(sid, roomID string) (*call, *Session, error) {
	c, ok := svc.calls[roomID]
	if !ok {
		return nil, nil, model.NewCoded(model.CodeRoomNotFound, "no such call room")
	}
	sess, ok := svc.sessions[sid]
	if !ok || sess.RoomID != roomID {
		return nil, nil, model.NewCoded(model.CodeInvalidAction, "join the call room first")
	}
	return c, sess, nil
}

func (svc *Service) detachLocked(roomID, sid string) {
	c, ok := svc.calls[roomID]
	if !ok {
		return
	}
	if c.callerSID == sid {
		c.callerSID = ""
	}
	if c.calleeSID == sid {
		c.calleeSID = ""
	}
}

func (svc *Service) announce(ctx context.Context, roomID, typ string, payload any, except string) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal broadcast")
		return
	}
	svc.sw.Broadcast(ctx, model.KindCall, roomID, ev, except)
}
