package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/metrics"
	"github.com/Punyamittal/skipon-relay/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	GameLister interface {
		List(ctx context.Context) []*model.GameRoom
	}

	WatchLister interface {
		List(ctx context.Context) []*model.WatchRoom
	}

	Readiness interface {
		Ready() bool
	}
)

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger    zerolog.Logger
	game      GameLister
	watch     WatchLister
	store     Readiness
	collector *metrics.Collector
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Game       GameLister
	Watch      WatchLister
	Store      Readiness
	Metrics    *metrics.Collector
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		game:      cfg.Game,
		watch:     cfg.Watch,
		store:     cfg.Store,
		collector: cfg.Metrics,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/", srv.root)
		r.Get("/healthz", srv.healthz)
		r.Get("/game/rooms", srv.gameRooms)
		r.Get("/watch/rooms", srv.watchRooms)
		r.Get("/stats", srv.stats)
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) root(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "SkipOn relay API"})
}

func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !srv.store.Ready() {
		code = http.StatusServiceUnavailable
	}
	srv.writeJSON(w, code, &GenericResponse{
		Data: map[string]bool{"store_ready": srv.store.Ready()},
	})
}

// gameRooms lists turn-game rooms still waiting for an opponent.
func (srv *Server) gameRooms(w http.ResponseWriter, r *http.Request) {
	waiting := make([]*model.GameRoom, 0)
	for _, room := range srv.game.List(r.Context()) {
		if room.Lifecycle == model.LifecycleWaiting {
			waiting = append(waiting, room)
		}
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: waiting})
}

func (srv *Server) watchRooms(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.watch.List(r.Context())})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.collector.Snapshot()})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
