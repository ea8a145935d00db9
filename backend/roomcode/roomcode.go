package roomcode

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/storage"
)

const codeSpace = 1000000 // 6-digit numeric codes

// Policy selects behavior when the store cannot verify uniqueness.
type Policy string

const (
	// PolicyDegrade hands out an unchecked random code so room creation
	// keeps working while the store is down. Collisions are accepted as a
	// rare, low-severity cost.
	PolicyDegrade Policy = "degrade"
	// PolicyFail rejects generation outright on store unavailability.
	PolicyFail Policy = "fail"
)

var ErrUnavailable = errors.New("cannot verify code uniqueness")

// Generator produces short human-shareable codes that are unique among
// live rooms. Uniqueness is checked against the code mapping in the store;
// it is a best-effort guarantee, not a hard contract: if all attempts
// collide the last candidate is returned anyway.
type Generator struct {
	logger zerolog.Logger
	store  storage.Store
	policy Policy
}

type Config struct {
	Logger *zerolog.Logger
	Store  storage.Store
	Policy Policy
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{
		logger: cfg.Logger.With().Str("component", "roomcode").Logger(),
		store:  cfg.Store,
		policy: cfg.Policy,
	}
}

func (g *Generator) Generate(ctx context.Context, kind model.Kind, maxAttempts int) (string, error) {
	var code string
	for i := 0; i < maxAttempts; i++ {
		code = fmt.Sprintf("%06d", rand.Intn(codeSpace))
		taken, err := g.store.Exists(ctx, storage.CodeKey(kind, code))
		if err != nil {
			if g.policy == PolicyFail {
				return "", errors.Join(ErrUnavailable, err)
			}
			g.logger.Warn().Err(err).
				Str("kind", string(kind)).
				Msg("store unavailable, handing out unchecked code")
			return code, nil
		}
		if !taken {
			return code, nil
		}
	}
	g.logger.Warn().
		Str("kind", string(kind)).
		Int("attempts", maxAttempts).
		Msg("attempts exhausted, returning best-effort code")
	return code, nil
}
