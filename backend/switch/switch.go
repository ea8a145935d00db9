package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Punyamittal/skipon-relay/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

// Switch is the room-group fabric shared by all activity managers. Groups
// are keyed by activity kind plus room id; endpoints are websocket session
// ids with their outbound wires. Broadcasts issued for one group reach all
// members in issue order; nothing is guaranteed across groups.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	groups map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		groups: make(map[string]map[string]model.Wire),
	}
}

func groupKey(kind model.Kind, roomID string) string {
	return string(kind) + ":" + roomID
}

func (sw *Switch) Join(kind model.Kind, roomID, endpoint string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("group", groupKey(kind, roomID)).
			Str("endpoint", endpoint).
			Msg("endpoint joined group")
	}()

	key := groupKey(kind, roomID)
	grp, ok := sw.groups[key]
	if !ok {
		grp = make(map[string]model.Wire)
	}
	grp[endpoint] = wire
	sw.groups[key] = grp
}

func (sw *Switch) Leave(kind model.Kind, roomID, endpoint string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("group", groupKey(kind, roomID)).
			Str("endpoint", endpoint).
			Msg("endpoint left group")
	}()

	key := groupKey(kind, roomID)
	grp, ok := sw.groups[key]
	if !ok {
		return
	}
	delete(grp, endpoint)
	if len(grp) == 0 {
		delete(sw.groups, key)
		return
	}
	sw.groups[key] = grp
}

func (sw *Switch) Members(kind model.Kind, roomID string) []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	grp := sw.groups[groupKey(kind, roomID)]
	out := make([]string, 0, len(grp))
	for ep := range grp {
		out = append(out, ep)
	}
	return out
}

// Broadcast fans ev out to every group member except the endpoint named in
// except (empty string skips no one). Membership is snapshotted under the
// lock: send can dwell on a dead endpoint for the full forward timeout, and
// iterating the live map that long would race with Join/Leave.
func (sw *Switch) Broadcast(ctx context.Context, kind model.Kind, roomID string, ev model.Event, except string) {
	type member struct {
		endpoint string
		wire     model.Wire
	}

	sw.mx.RLock()
	grp := sw.groups[groupKey(kind, roomID)]
	members := make([]member, 0, len(grp))
	for ep, wire := range grp {
		if ep == except {
			continue
		}
		members = append(members, member{endpoint: ep, wire: wire})
	}
	sw.mx.RUnlock()

	var sent bool
	for _, m := range members {
		evSent, canceled := send(ctx, ev, m.wire.TX, &sw.logger)
		if canceled {
			return
		}
		if evSent {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("group", groupKey(kind, roomID)).
			Str("type", ev.Type).
			Msg("broadcast did not reach anyone")
	}
}

// Send delivers ev to the single endpoint named in ev.DST.
func (sw *Switch) Send(ctx context.Context, kind model.Kind, roomID string, ev model.Event) bool {
	logger := sw.logger.With().
		Str("group", groupKey(kind, roomID)).
		Str("type", ev.Type).
		Str("dst", ev.DST).Logger()

	sw.mx.RLock()
	wire, ok := sw.groups[groupKey(kind, roomID)][ev.DST]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ev, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ev.DST).Msg("dead endpoint")
	case tx <- ev:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
