package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/roomcode"
	"github.com/Punyamittal/skipon-relay/backend/rules"
	"github.com/Punyamittal/skipon-relay/backend/service"
	"github.com/Punyamittal/skipon-relay/backend/storage"
)

const requiredPlayers = 2

// Service is the turn-game room manager. It owns lifecycle and turn
// alternation; move legality and terminal conditions come from the
// external rules engine.
//
// Disconnects do not finish an active game: the peer is notified and the
// room is retained until TTL expiry or resignation so the same identity
// can rejoin. This intentionally differs from the playback manager.
type Service struct {
	logger zerolog.Logger
	store  storage.Store
	codes  *roomcode.Generator
	sw     service.Switch
	engine rules.Engine
	ttl    time.Duration

	// rooms serializes the load-mutate-persist window per room so two
	// sockets in the same room cannot interleave and lose a write.
	rooms service.KeyedMutex

	mx   sync.Mutex
	live map[string]struct{} // room ids created by this instance
}

type Config struct {
	Logger  *zerolog.Logger
	Store   storage.Store
	Codes   *roomcode.Generator
	Switch  service.Switch
	Engine  rules.Engine
	RoomTTL time.Duration
}

func NewService(cfg Config) *Service {
	return &Service{
		logger: cfg.Logger.With().Str("component", "game-service").Logger(),
		store:  cfg.Store,
		codes:  cfg.Codes,
		sw:     cfg.Switch,
		engine: cfg.Engine,
		ttl:    cfg.RoomTTL,
		live:   make(map[string]struct{}),
	}
}

func (svc *Service) Create(ctx context.Context, cl model.Client) (*model.GameRoom, error) {
	code, err := svc.codes.Generate(ctx, model.KindGame, service.MaxCodeAttempts)
	if err != nil {
		return nil, service.MapStoreErr(errors.Join(err, storage.ErrUnavailable))
	}

	room := &model.GameRoom{
		RoomMeta: model.RoomMeta{
			ID:   uuid.NewString(),
			Code: code,
			Kind: model.KindGame,
			Participants: []model.Participant{
				{ID: cl.UserID, Role: model.RoleWhite},
			},
			Lifecycle: model.LifecycleWaiting,
			Version:   1,
			CreatedAt: time.Now().UTC(),
		},
		State: model.GameState{
			Position: svc.engine.Initial(),
			Turn:     cl.UserID,
		},
	}
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}
	svc.track(room.ID)

	svc.sw.Join(model.KindGame, room.ID, cl.SID, cl.Wire)
	svc.announce(ctx, room.ID, model.EventRoomCreated, room, "")
	svc.logger.Debug().
		Str("roomID", room.ID).
		Str("userID", cl.UserID).
		Msg("game room created")
	return room, nil
}

func (svc *Service) Join(ctx context.Context, cl model.Client, ref string) (*model.GameRoom, error) {
	roomID, err := service.ResolveRoomID(ctx, svc.store, model.KindGame, ref)
	if err != nil {
		return nil, err
	}
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if _, ok := room.Participant(cl.UserID); ok {
		// rejoin by same identity, e.g. after a dropped connection
		svc.sw.Join(model.KindGame, room.ID, cl.SID, cl.Wire)
		svc.announce(ctx, room.ID, model.EventRoomJoined, room, "")
		return room, nil
	}
	if room.Lifecycle == model.LifecycleFinished {
		return nil, model.NewCoded(model.CodeInvalidAction, "game is over")
	}
	if len(room.Participants) >= requiredPlayers {
		return nil, model.NewCoded(model.CodeRoomFull, "game already has two players")
	}

	room.AddParticipant(model.Participant{ID: cl.UserID, Role: model.RoleBlack})
	if len(room.Participants) == requiredPlayers {
		room.Lifecycle = model.LifecycleActive
	}
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}

	svc.sw.Join(model.KindGame, room.ID, cl.SID, cl.Wire)
	svc.announce(ctx, room.ID, model.EventRoomJoined, room, "")
	svc.logger.Debug().
		Str("roomID", room.ID).
		Str("userID", cl.UserID).
		Msg("player joined game room")
	return room, nil
}

// Move applies one move for the acting participant. The room must be
// active, the actor must be the side to move, and the engine must accept
// the move; otherwise nothing is persisted and only the actor hears back.
func (svc *Service) Move(ctx context.Context, cl model.Client, roomID string, mv rules.Move) (*model.GameRoom, error) {
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := room.Participant(cl.UserID); !ok {
		return nil, model.NewCoded(model.CodeInvalidAction, "not a participant of this game")
	}
	switch room.Lifecycle {
	case model.LifecycleFinished:
		return nil, model.NewCoded(model.CodeInvalidAction, "game is over")
	case model.LifecycleWaiting:
		return nil, model.NewCoded(model.CodeInvalidAction, "game has not started")
	}
	if room.State.Turn != cl.UserID {
		return nil, model.NewCoded(model.CodeNotYourTurn, "not your turn")
	}

	res, err := svc.engine.Apply(room.State.Position, mv)
	if err != nil {
		return nil, model.NewCoded(model.CodeInvalidAction, err.Error())
	}

	room.State.Position = res.Position
	if res.Outcome != "" {
		room.Lifecycle = model.LifecycleFinished
		room.State.Outcome = res.Outcome
		if res.Outcome == model.OutcomeCheckmate {
			room.State.Winner = cl.UserID
		}
		room.State.Turn = ""
	} else if opp, ok := room.Opponent(cl.UserID); ok {
		room.State.Turn = opp.ID
	}
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}

	svc.announce(ctx, room.ID, model.EventStateUpdate, room, "")
	svc.announce(ctx, room.ID, model.EventMoveMade, moveMade{
		Move:     mv,
		By:       cl.UserID,
		NextTurn: room.State.Turn,
	}, "")
	if room.Lifecycle == model.LifecycleFinished {
		svc.announce(ctx, room.ID, model.EventActivityOver, gameOver{
			Outcome: room.State.Outcome,
			Winner:  room.State.Winner,
		}, "")
	}
	return room, nil
}

func (svc *Service) Resign(ctx context.Context, cl model.Client, roomID string) (*model.GameRoom, error) {
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := room.Participant(cl.UserID); !ok {
		return nil, model.NewCoded(model.CodeInvalidAction, "not a participant of this game")
	}
	if room.Lifecycle == model.LifecycleFinished {
		return nil, model.NewCoded(model.CodeInvalidAction, "game is over")
	}

	room.Lifecycle = model.LifecycleFinished
	room.State.Outcome = model.OutcomeResignation
	room.State.Turn = ""
	if opp, ok := room.Opponent(cl.UserID); ok {
		room.State.Winner = opp.ID
	}
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}

	svc.announce(ctx, room.ID, model.EventStateUpdate, room, "")
	svc.announce(ctx, room.ID, model.EventActivityOver, gameOver{
		Outcome: room.State.Outcome,
		Winner:  room.State.Winner,
	}, "")
	return room, nil
}

// Leave is invoked by the presence sweeper on disconnect. The room is kept
// for rejoin; the remaining player is only notified.
func (svc *Service) Leave(ctx context.Context, cl model.Client, roomID string) {
	svc.sw.Leave(model.KindGame, roomID, cl.SID)

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return
	}
	if _, ok := room.Participant(cl.UserID); !ok {
		return
	}
	svc.announce(ctx, roomID, model.EventPeerLeft, peerLeft{UserID: cl.UserID}, cl.SID)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("userID", cl.UserID).
		Msg("player left game room, room retained for rejoin")
}

// List returns rooms created by this instance that are still live in the
// store, for the waiting-room REST listing.
func (svc *Service) List(ctx context.Context) []*model.GameRoom {
	svc.mx.Lock()
	ids := make([]string, 0, len(svc.live))
	for id := range svc.live {
		ids = append(ids, id)
	}
	svc.mx.Unlock()

	out := make([]*model.GameRoom, 0, len(ids))
	for _, id := range ids {
		room, err := svc.load(ctx, id)
		if err != nil {
			if code := model.CodeOf(err); code == model.CodeRoomNotFound {
				svc.untrack(id)
			}
			continue
		}
		out = append(out, room)
	}
	return out
}

type moveMade struct {
	Move     rules.Move `json:"move"`
	By       string     `json:"by"`
	NextTurn string     `json:"next_turn,omitempty"`
}

type gameOver struct {
	Outcome model.Outcome `json:"outcome"`
	Winner  string        `json:"winner,omitempty"`
}

type peerLeft struct {
	UserID string `json:"user_id"`
}

func (svc *Service) load(ctx context.Context, roomID string) (*model.GameRoom, error) {
	b, err := svc.store.Get(ctx, storage.RoomKey(model.KindGame, roomID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.NewCoded(model.CodeRoomNotFound, "room not found or expired")
		}
		return nil, service.MapStoreErr(err)
	}
	var room model.GameRoom
	if err = json.Unmarshal(b, &room); err != nil {
		return nil, model.NewCoded(model.CodeRoomNotFound, "room document is corrupt")
	}
	return &room, nil
}

func (svc *Service) persist(ctx context.Context, room *model.GameRoom) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err = svc.store.SetWithExpiry(ctx, storage.RoomKey(model.KindGame, room.ID), b, svc.ttl); err != nil {
		return err
	}
	if room.Code != "" {
		return svc.store.SetWithExpiry(ctx, storage.CodeKey(model.KindGame, room.Code), []byte(room.ID), svc.ttl)
	}
	return nil
}

func (svc *Service) announce(ctx context.Context, roomID, typ string, payload any, except string) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal broadcast")
		return
	}
	svc.sw.Broadcast(ctx, model.KindGame, roomID, ev, except)
}

func (svc *Service) track(roomID string) {
	svc.mx.Lock()
	svc.live[roomID] = struct{}{}
	svc.mx.Unlock()
}

func (svc *Service) untrack(roomID string) {
	svc.mx.Lock()
	delete(svc.live, roomID)
	svc.mx.Unlock()
}
