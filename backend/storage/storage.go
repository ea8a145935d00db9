package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Punyamittal/skipon-relay/backend/model"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the ephemeral room store contract. Implementations must answer
// with ErrUnavailable instead of blocking or panicking when the backing
// store is unreachable, and must never gate process startup on
// connectivity: Ready reports whether mutations can currently proceed.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ready() bool
}

func RoomKey(kind model.Kind, roomID string) string {
	return "room:" + string(kind) + ":" + roomID
}

func CodeKey(kind model.Kind, code string) string {
	return "code:" + string(kind) + ":" + code
}
