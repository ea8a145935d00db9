package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/roomcode"
	"github.com/Punyamittal/skipon-relay/backend/storage"
	"github.com/Punyamittal/skipon-relay/backend/storage/memory"
	sw "github.com/Punyamittal/skipon-relay/backend/switch"
)

func newTestService(t *testing.T) (*Service, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	codes := roomcode.NewGenerator(roomcode.Config{
		Logger: &logger,
		Store:  store,
		Policy: roomcode.PolicyDegrade,
	})
	svc := NewService(Config{
		Logger:  &logger,
		Store:   store,
		Codes:   codes,
		Switch:  sw.NewSwitch(&logger),
		RoomTTL: time.Hour,
	})
	return svc, store
}

func newClient(sid, userID string) model.Client {
	return model.Client{SID: sid, UserID: userID, Wire: model.NewWire()}
}

func drain(wire model.Wire) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-wire.TX:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService(t)

	room, err := svc.Create(context.Background(), newClient("sid-h", "host"), "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if room.Lifecycle != model.LifecycleWaiting {
		t.Errorf("expected waiting, got %s", room.Lifecycle)
	}
	if room.State.IsPlaying || room.State.CurrentTime != 0 {
		t.Errorf("new room should be paused at 0: %s", spew.Sdump(room.State))
	}
	host, ok := room.Host()
	if !ok || host.ID != "host" {
		t.Errorf("creator should be host, got %s", spew.Sdump(room.Participants))
	}
}

func TestControl_NotHost(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	h := newClient("sid-h", "host")
	g := newClient("sid-g", "guest")

	room, err := svc.Create(ctx, h, "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err = svc.Join(ctx, g, room.Code); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	drain(h.Wire)
	drain(g.Wire)

	_, err = svc.Control(ctx, g, room.ID, Control{Action: ActionPlay, CurrentTime: 3})
	if code := model.CodeOf(err); code != model.CodeNotHost {
		t.Fatalf("expected NotHost, got %v", err)
	}
	if evs := drain(h.Wire); len(evs) != 0 {
		t.Errorf("rejected action produced a broadcast: %s", spew.Sdump(evs))
	}

	b, _ := store.Get(ctx, storage.RoomKey(model.KindWatch, room.ID))
	var doc model.WatchRoom
	if err = json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("bad stored document: %v", err)
	}
	if doc.State.IsPlaying {
		t.Error("rejected action mutated playback state")
	}
}

func TestControl_HostPlay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	h := newClient("sid-h", "host")
	g := newClient("sid-g", "guest")

	room, err := svc.Create(ctx, h, "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err = svc.Join(ctx, g, room.ID); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	drain(h.Wire)
	drain(g.Wire)

	updated, err := svc.Control(ctx, h, room.ID, Control{Action: ActionPlay, CurrentTime: 12.5})
	if err != nil {
		t.Fatalf("Control() failed: %v", err)
	}
	if !updated.State.IsPlaying || updated.State.CurrentTime != 12.5 {
		t.Errorf("unexpected state: %s", spew.Sdump(updated.State))
	}

	for _, cl := range []model.Client{h, g} {
		evs := drain(cl.Wire)
		if len(evs) == 0 || evs[0].Type != model.EventStateUpdate {
			t.Fatalf("participant %s missed state_update: %s", cl.UserID, spew.Sdump(evs))
		}
		var doc model.WatchRoom
		if err = json.Unmarshal(evs[0].Payload, &doc); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if !doc.State.IsPlaying || doc.State.CurrentTime != 12.5 {
			t.Errorf("participant %s sees wrong state: %s", cl.UserID, spew.Sdump(doc.State))
		}
	}
}

// Concurrent joins into the same room must all land in the stored
// document; an interleaved read-modify-write would silently drop one.
func TestJoin_Concurrent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	room, err := svc.Create(ctx, newClient("sid-h", "host"), "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	const guests = 6
	wg := sync.WaitGroup{}
	for i := 0; i < guests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := newClient(fmt.Sprintf("sid-%d", i), fmt.Sprintf("guest-%d", i))
			if _, err := svc.Join(ctx, g, room.ID); err != nil {
				t.Errorf("Join(guest-%d) failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	b, err := store.Get(ctx, storage.RoomKey(model.KindWatch, room.ID))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	var doc model.WatchRoom
	if err = json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("bad stored document: %v", err)
	}
	if len(doc.Participants) != guests+1 {
		t.Errorf("expected %d participants, got %s", guests+1, spew.Sdump(doc.Participants))
	}
}

func TestControl_Actions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	h := newClient("sid-h", "host")

	room, err := svc.Create(ctx, h, "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err = svc.Control(ctx, h, room.ID, Control{Action: ActionSeek, CurrentTime: 42}); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	updated, err := svc.Control(ctx, h, room.ID, Control{Action: ActionChangeMedia, VideoURL: "https://example.com/y"})
	if err != nil {
		t.Fatalf("change_media failed: %v", err)
	}
	if updated.State.VideoURL != "https://example.com/y" ||
		updated.State.CurrentTime != 0 || updated.State.IsPlaying {
		t.Errorf("change_media should reset playback: %s", spew.Sdump(updated.State))
	}

	_, err = svc.Control(ctx, h, room.ID, Control{Action: "rewind"})
	if code := model.CodeOf(err); code != model.CodeInvalidAction {
		t.Errorf("expected InvalidAction for unknown action, got %v", err)
	}
}

func TestLeave_HostTearsDownRoom(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	h := newClient("sid-h", "host")
	g := newClient("sid-g", "guest")

	room, err := svc.Create(ctx, h, "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err = svc.Join(ctx, g, room.ID); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	drain(g.Wire)

	svc.Leave(ctx, h, room.ID)

	evs := drain(g.Wire)
	if len(evs) != 1 || evs[0].Type != model.EventRoomClosed {
		t.Fatalf("expected room_closed, got %s", spew.Sdump(evs))
	}
	if ok, _ := store.Exists(ctx, storage.RoomKey(model.KindWatch, room.ID)); ok {
		t.Error("room document should be deleted")
	}
	if ok, _ := store.Exists(ctx, storage.CodeKey(model.KindWatch, room.Code)); ok {
		t.Error("code mapping should be freed")
	}
}

func TestLeave_GuestOnlyRemoved(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	h := newClient("sid-h", "host")
	g := newClient("sid-g", "guest")

	room, err := svc.Create(ctx, h, "https://example.com/x")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err = svc.Join(ctx, g, room.ID); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	drain(h.Wire)

	svc.Leave(ctx, g, room.ID)

	evs := drain(h.Wire)
	if len(evs) != 1 || evs[0].Type != model.EventPeerLeft {
		t.Fatalf("expected peer_left, got %s", spew.Sdump(evs))
	}
	b, err := store.Get(ctx, storage.RoomKey(model.KindWatch, room.ID))
	if err != nil {
		t.Fatalf("room should survive a guest leaving: %v", err)
	}
	var doc model.WatchRoom
	if err = json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("bad stored document: %v", err)
	}
	if len(doc.Participants) != 1 || doc.Participants[0].ID != "host" {
		t.Errorf("unexpected participants: %s", spew.Sdump(doc.Participants))
	}
}
