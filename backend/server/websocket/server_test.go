package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/auth"
	"github.com/Punyamittal/skipon-relay/backend/metrics"
	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/roomcode"
	"github.com/Punyamittal/skipon-relay/backend/rules"
	"github.com/Punyamittal/skipon-relay/backend/service/game"
	"github.com/Punyamittal/skipon-relay/backend/service/playback"
	"github.com/Punyamittal/skipon-relay/backend/service/signaling"
	"github.com/Punyamittal/skipon-relay/backend/storage/memory"
	sw "github.com/Punyamittal/skipon-relay/backend/switch"
)

func newTestServer(t *testing.T) (*httptest.Server, *metrics.Collector) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	codes := roomcode.NewGenerator(roomcode.Config{
		Logger: &logger,
		Store:  store,
		Policy: roomcode.PolicyDegrade,
	})
	fabric := sw.NewSwitch(&logger)
	collector := metrics.NewCollector()

	srv := NewServer(Config{
		Logger: &logger,
		Watch: playback.NewService(playback.Config{
			Logger: &logger, Store: store, Codes: codes, Switch: fabric, RoomTTL: time.Hour,
		}),
		Game: game.NewService(game.Config{
			Logger: &logger, Store: store, Codes: codes, Switch: fabric,
			Engine: rules.AppendOnly{}, RoomTTL: time.Hour,
		}),
		Call:        signaling.NewService(signaling.Config{Logger: &logger, Switch: fabric}),
		Classifier:  auth.ClaimsClassifier{},
		Metrics:     collector,
		Store:       store,
		ListenAddr:  ":0",
		RequireAuth: true,
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, collector
}

func testToken(t *testing.T, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub}).
		SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func wsURL(ts *httptest.Server, ns, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + ns
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, ts *httptest.Server, ns, token string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL(ts, ns, token), nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", ns, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent skips frames until the wanted event type shows up.
func readEvent(t *testing.T, conn *gorilla.Conn, typ string) model.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var ev model.Event
		if err = json.Unmarshal(b, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", b, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func writeEvent(t *testing.T, conn *gorilla.Conn, typ string, payload any) {
	t.Helper()
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		t.Fatalf("NewEvent() failed: %v", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err = conn.WriteMessage(gorilla.TextMessage, b); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestServe_UnknownNamespace(t *testing.T) {
	ts, _ := newTestServer(t)

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL(ts, "nothing", testToken(t, "user-a")), nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown namespace")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %+v", resp)
	}
}

func TestServe_RejectsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	for name, token := range map[string]string{
		"no token":     "",
		"opaque token": "not-a-jwt",
	} {
		_, resp, err := gorilla.DefaultDialer.Dial(wsURL(ts, "game", token), nil)
		if err == nil {
			t.Fatalf("%s: expected handshake rejection", name)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %+v", name, resp)
		}
	}
}

func TestServe_ConnectedAck(t *testing.T) {
	ts, collector := newTestServer(t)
	conn := dial(t, ts, "game", testToken(t, "user-a"))

	ev := readEvent(t, conn, model.EventConnected)
	var ack struct {
		SID        string `json:"sid"`
		StoreReady bool   `json:"store_ready"`
	}
	if err := json.Unmarshal(ev.Payload, &ack); err != nil {
		t.Fatalf("bad ack payload: %v", err)
	}
	if ack.SID == "" {
		t.Error("ack should carry the server-assigned socket id")
	}
	if !ack.StoreReady {
		t.Error("ack should report the store ready")
	}
	if got := collector.Snapshot()["game"]; got.Total != 1 {
		t.Errorf("expected one counted connection, got %s", spew.Sdump(got))
	}
}

func TestServe_GameFlowAndSweep(t *testing.T) {
	ts, _ := newTestServer(t)

	connA := dial(t, ts, "game", testToken(t, "user-a"))
	readEvent(t, connA, model.EventConnected)

	writeEvent(t, connA, model.EventCreateRoom, nil)
	created := readEvent(t, connA, model.EventRoomCreated)
	var room struct {
		ID string `json:"room_id"`
	}
	if err := json.Unmarshal(created.Payload, &room); err != nil {
		t.Fatalf("bad room_created payload: %v", err)
	}
	if room.ID == "" {
		t.Fatal("room_created should carry the room id")
	}

	connB := dial(t, ts, "game", testToken(t, "user-b"))
	readEvent(t, connB, model.EventConnected)
	writeEvent(t, connB, model.EventJoinRoom, map[string]string{"room": room.ID})
	readEvent(t, connB, model.EventRoomJoined)
	readEvent(t, connA, model.EventRoomJoined)

	// dropping the socket triggers the sweeper, which notifies the peer
	_ = connB.Close()
	left := readEvent(t, connA, model.EventPeerLeft)
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(left.Payload, &p); err != nil {
		t.Fatalf("bad peer_left payload: %v", err)
	}
	if p.UserID != "user-b" {
		t.Errorf("expected user-b in peer_left, got %q", p.UserID)
	}
}

func TestServe_ErrorToRequesterOnly(t *testing.T) {
	ts, _ := newTestServer(t)

	connA := dial(t, ts, "game", testToken(t, "user-a"))
	readEvent(t, connA, model.EventConnected)
	writeEvent(t, connA, model.EventCreateRoom, nil)
	created := readEvent(t, connA, model.EventRoomCreated)
	var room struct {
		ID string `json:"room_id"`
	}
	if err := json.Unmarshal(created.Payload, &room); err != nil {
		t.Fatalf("bad room_created payload: %v", err)
	}

	connB := dial(t, ts, "game", testToken(t, "user-b"))
	readEvent(t, connB, model.EventConnected)
	writeEvent(t, connB, model.EventJoinRoom, map[string]string{"room": room.ID})
	readEvent(t, connA, model.EventRoomJoined)
	readEvent(t, connB, model.EventRoomJoined)

	// it is user-a's move; user-b acting out of turn hears back alone
	writeEvent(t, connB, model.EventMakeMove, map[string]any{
		"room_id": room.ID,
		"move":    map[string]string{"from": "e7", "to": "e5"},
	})
	errEv := readEvent(t, connB, model.EventError)
	var coded model.Coded
	if err := json.Unmarshal(errEv.Payload, &coded); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if coded.Code != model.CodeNotYourTurn {
		t.Errorf("expected NotYourTurn, got %s", spew.Sdump(coded))
	}

	// the peer must hear nothing about a rejected action
	_ = connA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, b, err := connA.ReadMessage(); err == nil {
		t.Errorf("peer received a frame for a rejected action: %s", b)
	}
}
