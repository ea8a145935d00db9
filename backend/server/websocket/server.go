package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/auth"
	"github.com/Punyamittal/skipon-relay/backend/metrics"
	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/rules"
	"github.com/Punyamittal/skipon-relay/backend/service/playback"
	"github.com/Punyamittal/skipon-relay/backend/service/signaling"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSweepTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	WatchService interface {
		Create(ctx context.Context, cl model.Client, videoURL string) (*model.WatchRoom, error)
		Join(ctx context.Context, cl model.Client, ref string) (*model.WatchRoom, error)
		Control(ctx context.Context, cl model.Client, roomID string, c playback.Control) (*model.WatchRoom, error)
		Leave(ctx context.Context, cl model.Client, roomID string)
	}

	GameService interface {
		Create(ctx context.Context, cl model.Client) (*model.GameRoom, error)
		Join(ctx context.Context, cl model.Client, ref string) (*model.GameRoom, error)
		Move(ctx context.Context, cl model.Client, roomID string, mv rules.Move) (*model.GameRoom, error)
		Resign(ctx context.Context, cl model.Client, roomID string) (*model.GameRoom, error)
		Leave(ctx context.Context, cl model.Client, roomID string)
	}

	CallService interface {
		Join(ctx context.Context, cl model.Client, roomID string) (*signaling.Session, error)
		Initiate(ctx context.Context, cl model.Client, roomID string) error
		RelayDescription(ctx context.Context, cl model.Client, roomID string, ev model.Event) error
		RelayCandidate(ctx context.Context, cl model.Client, roomID string, ev model.Event) error
		End(ctx context.Context, cl model.Client, roomID string) error
		Leave(ctx context.Context, cl model.Client, roomID string)
	}

	// Readiness reports whether the backing store can take mutations.
	Readiness interface {
		Ready() bool
	}

	Config struct {
		Logger      *zerolog.Logger
		Watch       WatchService
		Game        GameService
		Call        CallService
		Classifier  auth.Classifier
		Metrics     *metrics.Collector
		Store       Readiness
		ListenAddr  string
		RequireAuth bool
	}

	roomRef struct {
		kind   model.Kind
		roomID string
	}

	Server struct {
		watch       WatchService
		game        GameService
		call        CallService
		classifier  auth.Classifier
		collector   *metrics.Collector
		store       Readiness
		requireAuth bool
		ws          *websocket.Upgrader
		*http.Server

		mx       sync.Mutex
		presence map[string]roomRef // socket id -> joined room

		logger zerolog.Logger
	}
)

var namespaces = map[string]model.Kind{
	"video": model.KindWatch,
	"game":  model.KindGame,
	"call":  model.KindCall,
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "websocket-server").Logger(),
		watch:       cfg.Watch,
		game:        cfg.Game,
		call:        cfg.Call,
		classifier:  cfg.Classifier,
		collector:   cfg.Metrics,
		store:       cfg.Store,
		requireAuth: cfg.RequireAuth,
		presence:    make(map[string]roomRef),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", srv.serve)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	ns := strings.TrimPrefix(r.URL.Path, "/ws/")
	kind, ok := namespaces[ns]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Admission is a pure local classification, no store round-trip.
	identity := srv.classifier.Classify(bearerToken(r))
	if srv.requireAuth && !identity.Authenticated {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sid := uuid.NewString()
	userID := identity.UserID
	if userID == "" {
		userID = "anon:" + sid
	}
	cl := model.Client{SID: sid, UserID: userID, Wire: model.NewWire()}

	logger := srv.logger.With().
		Str("namespace", ns).
		Str("sid", sid).
		Str("userID", userID).
		Logger()

	srv.collector.ConnOpened(ns)
	logger.Debug().Bool("authenticated", identity.Authenticated).Msg("connection admitted")

	// Synchronous ready ack so the client can tell "connected but store
	// still warming up" apart from "not connected".
	srv.emit(&logger, cl, model.EventConnected, connectedAck{
		SID:        sid,
		StoreReady: srv.store.Ready(),
	})

	ctx, cancel := context.WithCancel(context.TODO()) // long-living session context
	go srv.handleWSConn(ctx, cancel, conn, ns, kind, cl, logger)
}

type connectedAck struct {
	SID        string `json:"sid"`
	StoreReady bool   `json:"store_ready"`
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	ns string,
	kind model.Kind,
	cl model.Client,
	logger zerolog.Logger,
) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, cl.UserID, cl.Wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, cl.Wire.TX, &logger)
		cancel()
	}()

	srv.dispatchLoop(ctx, kind, cl, &logger)

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.sweep(kind, cl, &logger)
	srv.collector.ConnClosed(ns)
}

func (srv *Server) dispatchLoop(ctx context.Context, kind model.Kind, cl model.Client, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-cl.Wire.RX:
			srv.dispatch(ctx, kind, cl, ev, logger)
		}
	}
}

// sweep is the presence sweeper: when a connection goes away the owning
// manager applies its per-activity abandonment policy.
func (srv *Server) sweep(kind model.Kind, cl model.Client, logger *zerolog.Logger) {
	ref, ok := srv.takePresence(cl.SID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultSweepTimeout)
	defer cancel()

	switch kind {
	case model.KindWatch:
		srv.watch.Leave(ctx, cl, ref.roomID)
	case model.KindGame:
		srv.game.Leave(ctx, cl, ref.roomID)
	case model.KindCall:
		srv.call.Leave(ctx, cl, ref.roomID)
	}
	logger.Debug().Str("roomID", ref.roomID).Msg("presence swept")
}

func (srv *Server) dispatch(ctx context.Context, kind model.Kind, cl model.Client, ev model.Event, logger *zerolog.Logger) {
	var err error
	switch kind {
	case model.KindWatch:
		err = srv.dispatchWatch(ctx, cl, ev)
	case model.KindGame:
		err = srv.dispatchGame(ctx, cl, ev)
	case model.KindCall:
		err = srv.dispatchCall(ctx, cl, ev)
	}
	if err != nil {
		// rejections go to the requesting connection only
		logger.Debug().Err(err).Str("type", ev.Type).Msg("event rejected")
		srv.emit(logger, cl, model.EventError, model.Coded{
			Code:    model.CodeOf(err),
			Message: err.Error(),
		})
	}
}

func (srv *Server) dispatchWatch(ctx context.Context, cl model.Client, ev model.Event) error {
	switch ev.Type {
	case model.EventCreateRoom:
		var p struct {
			VideoURL string `json:"video_url"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		room, err := srv.watch.Create(ctx, cl, p.VideoURL)
		if err != nil {
			return err
		}
		srv.setPresence(cl.SID, roomRef{kind: model.KindWatch, roomID: room.ID})
		return nil

	case model.EventJoinRoom:
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		room, err := srv.watch.Join(ctx, cl, p.Room)
		if err != nil {
			return err
		}
		srv.setPresence(cl.SID, roomRef{kind: model.KindWatch, roomID: room.ID})
		return nil

	case model.EventWatchControl:
		var p struct {
			Room string `json:"room_id"`
			playback.Control
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		_, err := srv.watch.Control(ctx, cl, p.Room, p.Control)
		return err

	case model.EventLeave:
		if ref, ok := srv.takePresence(cl.SID); ok {
			srv.watch.Leave(ctx, cl, ref.roomID)
		}
		return nil
	}
	return model.NewCoded(model.CodeInvalidAction, "unknown event: "+ev.Type)
}

func (srv *Server) dispatchGame(ctx context.Context, cl model.Client, ev model.Event) error {
	switch ev.Type {
	case model.EventCreateRoom:
		room, err := srv.game.Create(ctx, cl)
		if err != nil {
			return err
		}
		srv.setPresence(cl.SID, roomRef{kind: model.KindGame, roomID: room.ID})
		return nil

	case model.EventJoinRoom:
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		room, err := srv.game.Join(ctx, cl, p.Room)
		if err != nil {
			return err
		}
		srv.setPresence(cl.SID, roomRef{kind: model.KindGame, roomID: room.ID})
		return nil

	case model.EventMakeMove:
		var p struct {
			Room string     `json:"room_id"`
			Move rules.Move `json:"move"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		_, err := srv.game.Move(ctx, cl, p.Room, p.Move)
		return err

	case model.EventResign:
		var p struct {
			Room string `json:"room_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		_, err := srv.game.Resign(ctx, cl, p.Room)
		return err

	case model.EventLeave:
		if ref, ok := srv.takePresence(cl.SID); ok {
			srv.game.Leave(ctx, cl, ref.roomID)
		}
		return nil
	}
	return model.NewCoded(model.CodeInvalidAction, "unknown event: "+ev.Type)
}

func (srv *Server) dispatchCall(ctx context.Context, cl model.Client, ev model.Event) error {
	if ev.Type == model.EventJoinRoom {
		var p struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Room == "" {
			return model.NewCoded(model.CodeInvalidAction, "bad payload")
		}
		if _, err := srv.call.Join(ctx, cl, p.Room); err != nil {
			return err
		}
		srv.setPresence(cl.SID, roomRef{kind: model.KindCall, roomID: p.Room})
		return nil
	}

	ref, ok := srv.getPresence(cl.SID)
	if !ok {
		return model.NewCoded(model.CodeInvalidAction, "join the call room first")
	}
	switch ev.Type {
	case model.EventInitiate:
		return srv.call.Initiate(ctx, cl, ref.roomID)
	case model.EventOffer, model.EventAnswer:
		return srv.call.RelayDescription(ctx, cl, ref.roomID, ev)
	case model.EventICECandidate:
		return srv.call.RelayCandidate(ctx, cl, ref.roomID, ev)
	case model.EventEndCall:
		err := srv.call.End(ctx, cl, ref.roomID)
		if err == nil {
			srv.takePresence(cl.SID)
		}
		return err
	case model.EventLeave:
		srv.takePresence(cl.SID)
		srv.call.Leave(ctx, cl, ref.roomID)
		return nil
	}
	return model.NewCoded(model.CodeInvalidAction, "unknown event: "+ev.Type)
}

func (srv *Server) emit(logger *zerolog.Logger, cl model.Client, typ string, payload any) {
	ev, err := model.NewEvent(typ, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", typ).Msg("failed to marshal event")
		return
	}
	select {
	case cl.Wire.TX <- ev:
	default:
		logger.Warn().Str("type", typ).Msg("outbound queue full, event dropped")
	}
}

func (srv *Server) setPresence(sid string, ref roomRef) {
	srv.mx.Lock()
	srv.presence[sid] = ref
	srv.mx.Unlock()
}

func (srv *Server) getPresence(sid string) (roomRef, bool) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	ref, ok := srv.presence[sid]
	return ref, ok
}

func (srv *Server) takePresence(sid string) (roomRef, bool) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	ref, ok := srv.presence[sid]
	delete(srv.presence, sid)
	return ref, ok
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	userID string,
	rx chan<- model.Event,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var ev model.Event
			if wsErr = json.Unmarshal(msg, &ev); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			} else {
				ev.SRC = userID
				select {
				case rx <- ev:
				case <-ctx.Done():
					break RecvLoop
				}
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
