package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Punyamittal/skipon-relay/backend/auth"
	"github.com/Punyamittal/skipon-relay/backend/config"
	"github.com/Punyamittal/skipon-relay/backend/metrics"
	"github.com/Punyamittal/skipon-relay/backend/roomcode"
	"github.com/Punyamittal/skipon-relay/backend/rules"
	httpServer "github.com/Punyamittal/skipon-relay/backend/server/http"
	websocketServer "github.com/Punyamittal/skipon-relay/backend/server/websocket"
	"github.com/Punyamittal/skipon-relay/backend/service/game"
	"github.com/Punyamittal/skipon-relay/backend/service/playback"
	"github.com/Punyamittal/skipon-relay/backend/service/signaling"
	redisStore "github.com/Punyamittal/skipon-relay/backend/storage/redis"
	sw "github.com/Punyamittal/skipon-relay/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configFile = fs.StringP("config", "c", "", "path to yaml config file")
		logLevel   = fs.StringP("log-level", "l", "", "log level override")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel == "" {
		*logLevel = cfg.LogLevel
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	store := redisStore.NewStore(redisStore.Config{
		Logger:   &logger,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	codes := roomcode.NewGenerator(roomcode.Config{
		Logger: &logger,
		Store:  store,
		Policy: roomcode.Policy(cfg.OnStoreUnavailable),
	})
	fabric := sw.NewSwitch(&logger)

	watchSvc := playback.NewService(playback.Config{
		Logger:  &logger,
		Store:   store,
		Codes:   codes,
		Switch:  fabric,
		RoomTTL: cfg.RoomTTL,
	})
	gameSvc := game.NewService(game.Config{
		Logger:  &logger,
		Store:   store,
		Codes:   codes,
		Switch:  fabric,
		Engine:  rules.AppendOnly{},
		RoomTTL: cfg.RoomTTL,
	})
	callSvc := signaling.NewService(signaling.Config{
		Logger: &logger,
		Switch: fabric,
	})
	collector := metrics.NewCollector()

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Game:       gameSvc,
		Watch:      watchSvc,
		Store:      store,
		Metrics:    collector,
		ListenAddr: cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		Watch:       watchSvc,
		Game:        gameSvc,
		Call:        callSvc,
		Classifier:  auth.ClaimsClassifier{},
		Metrics:     collector,
		Store:       store,
		ListenAddr:  cfg.WSListenAddr,
		RequireAuth: cfg.RequireAuth,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go store.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
