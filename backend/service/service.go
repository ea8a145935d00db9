// Package service holds the pieces shared by all activity room managers:
// the switch contract they broadcast through and the store-error mapping
// onto the closed set of rejection codes.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/Punyamittal/skipon-relay/backend/model"
	"github.com/Punyamittal/skipon-relay/backend/storage"
)

const (
	// MaxCodeAttempts bounds uniqueness probing during code generation.
	MaxCodeAttempts = 10
)

// Switch is the room-group fabric as seen by a manager.
type Switch interface {
	Join(kind model.Kind, roomID, endpoint string, wire model.Wire)
	Leave(kind model.Kind, roomID, endpoint string)
	Members(kind model.Kind, roomID string) []string
	Broadcast(ctx context.Context, kind model.Kind, roomID string, ev model.Event, except string)
	Send(ctx context.Context, kind model.Kind, roomID string, ev model.Event) bool
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes the read-modify-write window of room mutations per
// room id. Managers handle events from one dispatch goroutine per
// connection, so two sockets in the same room would otherwise interleave
// between load and persist. Entries are dropped once unheld; rooms are
// ephemeral and must not pin memory for the process lifetime.
type KeyedMutex struct {
	mx    sync.Mutex
	locks map[string]*roomLock
}

// Lock blocks until the key is exclusively held and returns the unlock.
func (km *KeyedMutex) Lock(key string) func() {
	km.mx.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*roomLock)
	}
	l := km.locks[key]
	if l == nil {
		l = &roomLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mx.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mx.Unlock()
	}
}

// MapStoreErr converts store-level failures into the user-visible
// "try again" rejection; anything else passes through untouched.
func MapStoreErr(err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return model.NewCoded(model.CodeStoreUnavailable, "backing store unavailable, try again")
	}
	return err
}

func isNumericCode(ref string) bool {
	if len(ref) != 6 {
		return false
	}
	for _, c := range ref {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ResolveRoomID maps a join reference to a room id. Six-digit references
// are treated as room codes and must resolve through the live code
// mapping; anything else is taken as a room id directly.
func ResolveRoomID(ctx context.Context, st storage.Store, kind model.Kind, ref string) (string, error) {
	if !isNumericCode(ref) {
		return ref, nil
	}
	b, err := st.Get(ctx, storage.CodeKey(kind, ref))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", model.NewCoded(model.CodeInvalidCode, "unknown room code")
		}
		return "", MapStoreErr(err)
	}
	return string(b), nil
}
