package playback

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
	"github.com/Punyamittal/skipon-relay/backend/service"
	"github.com/Punyamittal/skipon-relay/backend/storage"
)

const maxParticipants = 16

// Playback control actions.
const (
	ActionPlay        = "play"
	ActionPause       = "pause"
	ActionSeek        = "seek"
	ActionChangeMedia = "change_media"
)

// Control is one playback mutation as reported by the host. Values are
// applied verbatim; the host's playhead is ground truth at the moment of
// the event.
type Control struct {
	Action      string  `json:"action"`
	CurrentTime float64 `json:"current_time"`
	VideoURL    string  `json:"video_url,omitempty"`
}

// Service is the sync-playback room manager. The creator holds host
// authority for the room's lifetime; there is no host handoff. A host
// disconnect tears the room down immediately since nobody else can drive
// playback, while a guest disconnect only shrinks the participant set.
type Service struct {
	logger zerolog.Logger
	store  storage.Store
	codes  *roomcode.Generator
	sw     service.Switch
	ttl    time.Duration

	// rooms serializes the load-mutate-persist window per room so two
	// sockets in the same room cannot interleave and lose a write.
	rooms service.KeyedMutex

	mx   sync.Mutex
	live map[string]struct{}
}

type Config struct {
	Logger  *zerolog.Logger
	Store   storage.Store
	Codes   *roomcode.Generator
	Switch  service.Switch
	RoomTTL time.Duration
}

func NewService(cfg Config) *Service {
	return &Service{
		logger: cfg.Logger.With().Str("component", "playback-service").Logger(),
		store:  cfg.Store,
		codes:  cfg.Codes,
		sw:     cfg.Switch,
		ttl:    cfg.RoomTTL,
		live:   make(map[string]struct{}),
	}
}

func (svc *Service) Create(ctx context.Context, cl model.Client, videoURL string) (*model.WatchRoom, error) {
	code, err := svc.codes.Generate(ctx, model.KindWatch, service.MaxCodeAttempts)
	if err != nil {
		return nil, service.MapStoreErr(errors.Join(err, storage.ErrUnavailable))
	}

	room := &model.WatchRoom{
		RoomMeta: model.RoomMeta{
			ID:   uuid.NewString(),
			Code: code,
			Kind: model.KindWatch,
			Participants: []model.Participant{
				{ID: cl.UserID, Role: model.RoleHost},
			},
			Lifecycle: model.LifecycleWaiting,
			Version:   1,
			CreatedAt: time.Now().UTC(),
		},
		State: model.WatchState{
			VideoURL:    videoURL,
			CurrentTime: 0,
			IsPlaying:   false,
		},
	}
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}
	svc.track(room.ID)

	svc.sw.Join(model.KindWatch, room.ID, cl.SID, cl.Wire)
	svc.announce(ctx, room.ID, model.EventRoomCreated, room, "")
	svc.logger.Debug().
		Str("roomID", room.ID).
		Str("userID", cl.UserID).
		Msg("watch room created")
	return room, nil
}

func (svc *Service) Join(ctx context.Context, cl model.Client, ref string) (*model.WatchRoom, error) {
	roomID, err := service.ResolveRoomID(ctx, svc.store, model.KindWatch, ref)
	if err != nil {
		return nil, err
	}
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if _, ok := room.Participant(cl.UserID); ok {
		svc.sw.Join(model.KindWatch, room.ID, cl.SID, cl.Wire)
		svc.announce(ctx, room.ID, model.EventRoomJoined, room, "")
		return room, nil
	}
	if len(room.Participants) >= maxParticipants {
		return nil, model.NewCoded(model.CodeRoomFull, "watch room is full")
	}

	room.AddParticipant(model.Participant{ID: cl.UserID, Role: model.RoleGuest})
	if room.Lifecycle == model.LifecycleWaiting {
		room.Lifecycle = model.LifecycleActive
	}
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}

	svc.sw.Join(model.KindWatch, room.ID, cl.SID, cl.Wire)
	svc.announce(ctx, room.ID, model.EventRoomJoined, room, "")
	svc.announce(ctx, room.ID, model.EventPeerJoined, peerEvent{UserID: cl.UserID}, cl.SID)
	return room, nil
}

// Control applies a host playback mutation and rebroadcasts it. Non-host
// attempts are rejected with NotHost and produce no broadcast.
func (svc *Service) Control(ctx context.Context, cl model.Client, roomID string, c Control) (*model.WatchRoom, error) {
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := room.Participant(cl.UserID); !ok {
		return nil, model.NewCoded(model.CodeInvalidAction, "not a participant of this room")
	}
	host, ok := room.Host()
	if !ok || host.ID != cl.UserID {
		return nil, model.NewCoded(model.CodeNotHost, "only the host controls playback")
	}

	switch c.Action {
	case ActionPlay:
		room.State.IsPlaying = true
		room.State.CurrentTime = c.CurrentTime
	case ActionPause:
		room.State.IsPlaying = false
		room.State.CurrentTime = c.CurrentTime
	case ActionSeek:
		room.State.CurrentTime = c.CurrentTime
	case ActionChangeMedia:
		if c.VideoURL == "" {
			return nil, model.NewCoded(model.CodeInvalidAction, "change_media requires video_url")
		}
		room.State.VideoURL = c.VideoURL
		room.State.CurrentTime = 0
		room.State.IsPlaying = false
	default:
		return nil, model.NewCoded(model.CodeInvalidAction, "unknown playback action")
	}
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		return nil, service.MapStoreErr(err)
	}

	svc.announce(ctx, room.ID, model.EventStateUpdate, room, "")
	svc.announce(ctx, room.ID, model.EventWatchSync, c, cl.SID)
	return room, nil
}

// Leave applies the playback abandonment policy on disconnect: host gone
// means immediate teardown, guest gone just leaves the set.
func (svc *Service) Leave(ctx context.Context, cl model.Client, roomID string) {
	svc.sw.Leave(model.KindWatch, roomID, cl.SID)
	defer svc.rooms.Lock(roomID)()

	room, err := svc.load(ctx, roomID)
	if err != nil {
		return
	}
	p, ok := room.Participant(cl.UserID)
	if !ok {
		return
	}

	if p.Role == model.RoleHost {
		svc.announce(ctx, roomID, model.EventRoomClosed, peerEvent{UserID: cl.UserID}, cl.SID)
		if err = svc.store.Delete(ctx, storage.RoomKey(model.KindWatch, roomID)); err != nil {
			svc.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to delete room document")
		}
		if room.Code != "" {
			if err = svc.store.Delete(ctx, storage.CodeKey(model.KindWatch, room.Code)); err != nil {
				svc.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to free code mapping")
			}
		}
		svc.untrack(roomID)
		svc.logger.Debug().Str("roomID", roomID).Msg("host left, watch room torn down")
		return
	}

	room.RemoveParticipant(cl.UserID)
	room.Version++
	if err = svc.persist(ctx, room); err != nil {
		svc.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to persist participant removal")
		return
	}
	svc.announce(ctx, roomID, model.EventPeerLeft, peerEvent{UserID: cl.UserID}, cl.SID)
}

func (svc *Service) List(ctx context.Context) []*model.WatchRoom {
	svc.mx.Lock()
	ids := make([]string, 0, len(svc.live))
	for id := range svc.live {
		ids = append(ids, id)
	}
	svc.mx.Unlock()

	out := make([]*model.WatchRoom, 0, len(ids))
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

type peerEvent struct {
	UserID string `json:"user_id"`
}

func (svc *Service) load(ctx context.Context, roomID string) (*model.WatchRoom, error) {
	b, err := svc.store.Get(ctx, storage.RoomKey(model.KindWatch, roomID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.NewCoded(model.CodeRoomNotFound, "room not found or expired")
		}
		return nil, service.MapStoreErr(err)
	}
	var room model.WatchRoom
	if err = json.Unmarshal(b, &room); err != nil {
		return nil, model.NewCoded(model.CodeRoomNotFound, "room document is corrupt")
	}
	return &room, nil
}

func (svc *Service) persist(ctx context.Context, room *model.WatchRoom) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err = svc.store.SetWithExpiry(ctx, storage.RoomKey(model.KindWatch, room.ID), b, svc.ttl); err != nil {
		return err
	}
	if room.Code != "" {
		return svc.store.SetWithExpiry(ctx, storage.CodeKey(model.KindWatch, room.Code), []byte(room.ID), svc.ttl)
	}
	return nil
}

func (svc *Service) announce(ctx context.Context, roomID, typ string, payload any, except string) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal broadcast")
		return
	}
	svc.sw.Broadcast(ctx, model.KindWatch, roomID, ev, except)
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
