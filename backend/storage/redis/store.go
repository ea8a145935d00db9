package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/storage"
)

const (
	defaultOpTimeout  = 2 * time.Second
	defaultPingPeriod = 5 * time.Second
)

// Store is the redis-backed ephemeral room store. The client connects in
// the background: Run pings on a fixed period and flips the ready flag, so
// process startup never waits for redis and mutating operations are gated
// on Ready instead.
type Store struct {
	logger zerolog.Logger
	client *redis.Client
	ready  atomic.Bool
}

type Config struct {
	Logger   *zerolog.Logger
	Addr     string
	Password string
	DB       int
}

func NewStore(cfg Config) *Store {
	return &Store{
		logger: cfg.Logger.With().Str("component", "redis-store").Logger(),
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: defaultOpTimeout,
			ReadTimeout: defaultOpTimeout,
		}),
	}
}

func (s *Store) Ready() bool {
	return s.ready.Load()
}

// Run keeps the ready flag in sync with actual connectivity until ctx is
// canceled.
func (s *Store) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		_ = s.client.Close()
		s.logger.Debug().Msg("store stopped")
		wg.Done()
	}()

	s.probe(ctx)
	t := time.NewTicker(defaultPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.probe(ctx)
		}
	}
}

func (s *Store) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	err := s.client.Ping(pingCtx).Err()
	was := s.ready.Swap(err == nil)
	switch {
	case err != nil && was:
		s.logger.Warn().Err(err).Msg("store became unavailable")
	case err == nil && !was:
		s.logger.Info().Str("addr", s.client.Options().Addr).Msg("store is ready")
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.ready.Load() {
		return nil, storage.ErrUnavailable
	}
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Join(storage.ErrUnavailable, err)
	}
	return b, nil
}

func (s *Store) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.ready.Load() {
		return storage.ErrUnavailable
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Join(storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if !s.ready.Load() {
		return storage.ErrUnavailable
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Join(storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if !s.ready.Load() {
		return false, storage.ErrUnavailable
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Join(storage.ErrUnavailable, err)
	}
	return n > 0, nil
}
